// Copyright the chartmatrix contributors. Licensed under the Apache License 2.0;
// you may not use this file except in compliance with the Apache License 2.0.

package command

import (
	"fmt"
)

// Kubectl builds kubectl actions.
type Kubectl struct {
	defaultArgs []string
}

func NewKubectl(kubeconfigPath string) *Kubectl {
	k := &Kubectl{}
	if kubeconfigPath != "" {
		k.defaultArgs = []string{fmt.Sprintf("--kubeconfig=%s", kubeconfigPath)}
	}

	return k
}

// Action returns an action invoking the given kubectl command.
func (k *Kubectl) Action(name, command string, args ...string) Action {
	argList := make([]string, len(k.defaultArgs)+len(args)+1)
	argList[0] = command
	copy(argList[1:], k.defaultArgs)
	copy(argList[len(k.defaultArgs)+1:], args)

	return New(name, "kubectl", argList...).Build()
}
