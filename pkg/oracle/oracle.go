// Copyright the chartmatrix contributors. Licensed under the Apache License 2.0;
// you may not use this file except in compliance with the Apache License 2.0.

// Package oracle implements the readiness oracles polled by the waiter:
// one over deployment workloads, one over TLS certificate secrets.
package oracle

import (
	"context"

	"github.com/pkg/errors"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/types"
	k8sclient "sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/chartmatrix/chartmatrix/pkg/wait"
)

// WorkloadOracle reports readiness of named deployments in one namespace.
// A deployment is ready when all desired replicas are ready at the current
// generation. Restart counts are summed over the containers of the pods
// selected by each deployment.
type WorkloadOracle struct {
	client    k8sclient.Client
	namespace string
}

func NewWorkloadOracle(client k8sclient.Client, namespace string) *WorkloadOracle {
	return &WorkloadOracle{client: client, namespace: namespace}
}

func (o *WorkloadOracle) Status(ctx context.Context, workloads []string) (wait.Status, error) {
	status := wait.Status{Ready: true, RestartCounts: map[string]int32{}}

	for _, name := range workloads {
		var dep appsv1.Deployment
		if err := o.client.Get(ctx, types.NamespacedName{Namespace: o.namespace, Name: name}, &dep); err != nil {
			return wait.Status{}, errors.Wrapf(err, "failed to get deployment %s/%s", o.namespace, name)
		}

		if !deploymentReady(dep) {
			status.Ready = false
		}

		restarts, err := o.podRestarts(ctx, dep)
		if err != nil {
			return wait.Status{}, err
		}
		status.RestartCounts[name] = restarts
	}

	return status, nil
}

func deploymentReady(dep appsv1.Deployment) bool {
	desired := int32(1)
	if dep.Spec.Replicas != nil {
		desired = *dep.Spec.Replicas
	}
	return dep.Status.ObservedGeneration >= dep.Generation &&
		dep.Status.ReadyReplicas == desired &&
		dep.Status.UpdatedReplicas == desired
}

func (o *WorkloadOracle) podRestarts(ctx context.Context, dep appsv1.Deployment) (int32, error) {
	selector, err := labels.ValidatedSelectorFromSet(dep.Spec.Selector.MatchLabels)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid selector on deployment %s", dep.Name)
	}

	var pods corev1.PodList
	if err := o.client.List(ctx, &pods,
		k8sclient.InNamespace(o.namespace),
		k8sclient.MatchingLabelsSelector{Selector: selector},
	); err != nil {
		return 0, errors.Wrapf(err, "failed to list pods of deployment %s", dep.Name)
	}

	var restarts int32
	for _, pod := range pods.Items {
		for _, containerStatus := range pod.Status.ContainerStatuses {
			restarts += containerStatus.RestartCount
		}
	}
	return restarts, nil
}

// CertificateOracle reports readiness of TLS secrets: a named "workload" is
// ready once a secret of that name exists with a non-empty tls.crt entry,
// which is how cert acquisition by the chart's ACME integration surfaces.
type CertificateOracle struct {
	client    k8sclient.Client
	namespace string
}

func NewCertificateOracle(client k8sclient.Client, namespace string) *CertificateOracle {
	return &CertificateOracle{client: client, namespace: namespace}
}

func (o *CertificateOracle) Status(ctx context.Context, secrets []string) (wait.Status, error) {
	for _, name := range secrets {
		var secret corev1.Secret
		if err := o.client.Get(ctx, types.NamespacedName{Namespace: o.namespace, Name: name}, &secret); err != nil {
			if k8serrors.IsNotFound(err) {
				return wait.Status{Ready: false}, nil
			}
			return wait.Status{}, errors.Wrapf(err, "failed to get secret %s/%s", o.namespace, name)
		}
		if len(secret.Data[corev1.TLSCertKey]) == 0 {
			return wait.Status{Ready: false}, nil
		}
	}
	return wait.Status{Ready: true}, nil
}
