// backend_kube.go materializes manifest services as Kubernetes resources and
// answers readiness from the cluster's view of them.
package deploy

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"

	"github.com/example/forge/internal/manifest"
)

const managedByLabel = "app.kubernetes.io/managed-by"

// KubeBackend deploys services into a Kubernetes namespace through the typed
// clientset.
type KubeBackend struct {
	Clientset kubernetes.Interface
	Namespace string
}

var _ Backend = (*KubeBackend)(nil)

func serviceLabels(svc manifest.Service) map[string]string {
	return map[string]string{
		"app":          svc.Name,
		managedByLabel: "forge",
	}
}

// Apply creates or updates the resources backing one service: a Deployment
// (plus ClusterIP Service and PVCs) for servers, a Job for run-once
// workloads, and a NetworkPolicy for policy-only entries.
func (b *KubeBackend) Apply(ctx context.Context, svc manifest.Service) error {
	switch svc.Category {
	case manifest.CategoryServer:
		for _, vol := range svc.Volumes {
			if err := b.ensurePVC(ctx, svc, vol); err != nil {
				return err
			}
		}
		if err := b.applyDeployment(ctx, svc); err != nil {
			return err
		}
		if len(svc.Ports) > 0 {
			return b.applyService(ctx, svc)
		}
		return nil
	case manifest.CategoryJob:
		return b.applyJob(ctx, svc)
	case manifest.CategoryPolicy:
		return b.applyNetworkPolicy(ctx, svc)
	default:
		return fmt.Errorf("unknown service category %q", svc.Category)
	}
}

// Ready reports full availability: for servers, every desired replica of the
// Deployment is ready. Jobs and policies have no runtime readiness.
func (b *KubeBackend) Ready(ctx context.Context, svc manifest.Service) (bool, error) {
	if svc.Category != manifest.CategoryServer {
		return true, nil
	}
	dep, err := b.Clientset.AppsV1().Deployments(b.Namespace).Get(ctx, svc.Name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	desired := int32(1)
	if dep.Spec.Replicas != nil {
		desired = *dep.Spec.Replicas
	}
	return dep.Status.ReadyReplicas >= desired, nil
}

// Delete removes every resource Apply may have created for the service.
func (b *KubeBackend) Delete(ctx context.Context, svc manifest.Service, ignoreNotFound bool) error {
	tolerate := func(err error) error {
		if err == nil || (ignoreNotFound && apierrors.IsNotFound(err)) {
			return nil
		}
		return err
	}
	switch svc.Category {
	case manifest.CategoryServer:
		if err := tolerate(b.Clientset.AppsV1().Deployments(b.Namespace).Delete(ctx, svc.Name, metav1.DeleteOptions{})); err != nil {
			return err
		}
		if len(svc.Ports) > 0 {
			if err := tolerate(b.Clientset.CoreV1().Services(b.Namespace).Delete(ctx, svc.Name, metav1.DeleteOptions{})); err != nil {
				return err
			}
		}
		for _, vol := range svc.Volumes {
			if err := tolerate(b.Clientset.CoreV1().PersistentVolumeClaims(b.Namespace).Delete(ctx, pvcName(svc, vol), metav1.DeleteOptions{})); err != nil {
				return err
			}
		}
		return nil
	case manifest.CategoryJob:
		policy := metav1.DeletePropagationBackground
		return tolerate(b.Clientset.BatchV1().Jobs(b.Namespace).Delete(ctx, svc.Name, metav1.DeleteOptions{PropagationPolicy: &policy}))
	case manifest.CategoryPolicy:
		return tolerate(b.Clientset.NetworkingV1().NetworkPolicies(b.Namespace).Delete(ctx, svc.Name, metav1.DeleteOptions{}))
	default:
		return fmt.Errorf("unknown service category %q", svc.Category)
	}
}

func (b *KubeBackend) applyDeployment(ctx context.Context, svc manifest.Service) error {
	replicas := svc.Replicas
	if replicas == 0 {
		replicas = 1
	}
	container := corev1.Container{
		Name:  svc.Name,
		Image: svc.Image,
	}
	for _, port := range svc.Ports {
		container.Ports = append(container.Ports, corev1.ContainerPort{ContainerPort: port})
	}
	for key, value := range svc.Env {
		container.Env = append(container.Env, corev1.EnvVar{Name: key, Value: value})
	}
	var volumes []corev1.Volume
	for _, vol := range svc.Volumes {
		container.VolumeMounts = append(container.VolumeMounts, corev1.VolumeMount{
			Name:      vol.Name,
			MountPath: vol.MountPath,
		})
		volumes = append(volumes, corev1.Volume{
			Name: vol.Name,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: pvcName(svc, vol),
				},
			},
		})
	}
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      svc.Name,
			Namespace: b.Namespace,
			Labels:    serviceLabels(svc),
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": svc.Name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: serviceLabels(svc)},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{container},
					Volumes:    volumes,
				},
			},
		},
	}
	deployments := b.Clientset.AppsV1().Deployments(b.Namespace)
	_, err := deployments.Create(ctx, dep, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		existing, getErr := deployments.Get(ctx, svc.Name, metav1.GetOptions{})
		if getErr != nil {
			return getErr
		}
		existing.Labels = dep.Labels
		existing.Spec = dep.Spec
		_, err = deployments.Update(ctx, existing, metav1.UpdateOptions{})
	}
	return err
}

func (b *KubeBackend) applyService(ctx context.Context, svc manifest.Service) error {
	ports := make([]corev1.ServicePort, 0, len(svc.Ports))
	for _, port := range svc.Ports {
		ports = append(ports, corev1.ServicePort{
			Name:       fmt.Sprintf("port-%d", port),
			Port:       port,
			TargetPort: intstr.FromInt32(port),
		})
	}
	service := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      svc.Name,
			Namespace: b.Namespace,
			Labels:    serviceLabels(svc),
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{"app": svc.Name},
			Ports:    ports,
		},
	}
	services := b.Clientset.CoreV1().Services(b.Namespace)
	_, err := services.Create(ctx, service, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		existing, getErr := services.Get(ctx, svc.Name, metav1.GetOptions{})
		if getErr != nil {
			return getErr
		}
		existing.Labels = service.Labels
		existing.Spec.Selector = service.Spec.Selector
		existing.Spec.Ports = service.Spec.Ports
		_, err = services.Update(ctx, existing, metav1.UpdateOptions{})
	}
	return err
}

func (b *KubeBackend) applyJob(ctx context.Context, svc manifest.Service) error {
	container := corev1.Container{Name: svc.Name, Image: svc.Image}
	for key, value := range svc.Env {
		container.Env = append(container.Env, corev1.EnvVar{Name: key, Value: value})
	}
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      svc.Name,
			Namespace: b.Namespace,
			Labels:    serviceLabels(svc),
		},
		Spec: batchv1.JobSpec{
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: serviceLabels(svc)},
				Spec: corev1.PodSpec{
					Containers:    []corev1.Container{container},
					RestartPolicy: corev1.RestartPolicyNever,
				},
			},
		},
	}
	_, err := b.Clientset.BatchV1().Jobs(b.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		// Job specs are immutable; a leftover run is removed and recreated.
		policy := metav1.DeletePropagationBackground
		if delErr := b.Clientset.BatchV1().Jobs(b.Namespace).Delete(ctx, svc.Name, metav1.DeleteOptions{PropagationPolicy: &policy}); delErr != nil {
			return delErr
		}
		_, err = b.Clientset.BatchV1().Jobs(b.Namespace).Create(ctx, job, metav1.CreateOptions{})
	}
	return err
}

func (b *KubeBackend) applyNetworkPolicy(ctx context.Context, svc manifest.Service) error {
	policy := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      svc.Name,
			Namespace: b.Namespace,
			Labels:    serviceLabels(svc),
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{MatchLabels: map[string]string{managedByLabel: "forge"}},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress},
			Ingress: []networkingv1.NetworkPolicyIngressRule{{
				From: []networkingv1.NetworkPolicyPeer{{
					PodSelector: &metav1.LabelSelector{MatchLabels: map[string]string{managedByLabel: "forge"}},
				}},
			}},
		},
	}
	policies := b.Clientset.NetworkingV1().NetworkPolicies(b.Namespace)
	_, err := policies.Create(ctx, policy, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		existing, getErr := policies.Get(ctx, svc.Name, metav1.GetOptions{})
		if getErr != nil {
			return getErr
		}
		existing.Labels = policy.Labels
		existing.Spec = policy.Spec
		_, err = policies.Update(ctx, existing, metav1.UpdateOptions{})
	}
	return err
}

func (b *KubeBackend) ensurePVC(ctx context.Context, svc manifest.Service, vol manifest.Volume) error {
	size := vol.Size
	if size == "" {
		size = "1Gi"
	}
	quantity, err := resource.ParseQuantity(size)
	if err != nil {
		return fmt.Errorf("volume %q of service %q has invalid size %q: %w", vol.Name, svc.Name, vol.Size, err)
	}
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      pvcName(svc, vol),
			Namespace: b.Namespace,
			Labels:    serviceLabels(svc),
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: quantity},
			},
		},
	}
	if vol.StorageClass != "" {
		pvc.Spec.StorageClassName = &vol.StorageClass
	}
	_, err = b.Clientset.CoreV1().PersistentVolumeClaims(b.Namespace).Create(ctx, pvc, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		// PVCs are effectively immutable; an existing claim is reused as-is.
		return nil
	}
	return err
}

func pvcName(svc manifest.Service, vol manifest.Volume) string {
	return fmt.Sprintf("%s-%s", svc.Name, vol.Name)
}
