package connector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
)

// kubeResource is one watched object kind.
//
// assess compares an object with the state remembered from the last event for
// the same object and reports whether a modification deserves an event. Added
// and deleted objects always do.
type kubeResource struct {
	kind    string
	list    func(ctx context.Context, cs kubernetes.Interface, ns string) (runtime.Object, error)
	watch   func(ctx context.Context, cs kubernetes.Interface, ns string, opts metav1.ListOptions) (watch.Interface, error)
	assess  func(obj runtime.Object, prev string, known bool) (state string, significant bool, reason string)
	details func(obj runtime.Object) map[string]any
	ignore  func(obj runtime.Object) bool
}

var kubeResources = []kubeResource{
	{
		kind: "Pod",
		list: func(ctx context.Context, cs kubernetes.Interface, ns string) (runtime.Object, error) {
			return cs.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{})
		},
		watch: func(ctx context.Context, cs kubernetes.Interface, ns string, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.CoreV1().Pods(ns).Watch(ctx, opts)
		},
		assess:  assessPod,
		details: podDetails,
	},
	{
		kind: "Deployment",
		list: func(ctx context.Context, cs kubernetes.Interface, ns string) (runtime.Object, error) {
			return cs.AppsV1().Deployments(ns).List(ctx, metav1.ListOptions{})
		},
		watch: func(ctx context.Context, cs kubernetes.Interface, ns string, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.AppsV1().Deployments(ns).Watch(ctx, opts)
		},
		assess: onChange(func(obj runtime.Object) string {
			d := obj.(*appsv1.Deployment)
			return strings.Join(images(d.Spec.Template.Spec), ",") + "|" + replicas(d.Spec.Replicas)
		}),
		details: func(obj runtime.Object) map[string]any {
			d := obj.(*appsv1.Deployment)
			strategy := string(d.Spec.Strategy.Type)
			if strategy == "" {
				strategy = string(appsv1.RollingUpdateDeploymentStrategyType)
			}
			return map[string]any{
				"images":   containerImages(d.Spec.Template.Spec),
				"replicas": replicas(d.Spec.Replicas),
				"strategy": strategy,
			}
		},
	},
	{
		kind: "StatefulSet",
		list: func(ctx context.Context, cs kubernetes.Interface, ns string) (runtime.Object, error) {
			return cs.AppsV1().StatefulSets(ns).List(ctx, metav1.ListOptions{})
		},
		watch: func(ctx context.Context, cs kubernetes.Interface, ns string, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.AppsV1().StatefulSets(ns).Watch(ctx, opts)
		},
		assess: onChange(func(obj runtime.Object) string {
			return strings.Join(images(obj.(*appsv1.StatefulSet).Spec.Template.Spec), ",")
		}),
		details: func(obj runtime.Object) map[string]any {
			s := obj.(*appsv1.StatefulSet)
			return map[string]any{
				"images":   containerImages(s.Spec.Template.Spec),
				"replicas": replicas(s.Spec.Replicas),
			}
		},
	},
	{
		kind: "DaemonSet",
		list: func(ctx context.Context, cs kubernetes.Interface, ns string) (runtime.Object, error) {
			return cs.AppsV1().DaemonSets(ns).List(ctx, metav1.ListOptions{})
		},
		watch: func(ctx context.Context, cs kubernetes.Interface, ns string, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.AppsV1().DaemonSets(ns).Watch(ctx, opts)
		},
		assess: onChange(func(obj runtime.Object) string {
			return strings.Join(images(obj.(*appsv1.DaemonSet).Spec.Template.Spec), ",")
		}),
		details: func(obj runtime.Object) map[string]any {
			return map[string]any{"images": containerImages(obj.(*appsv1.DaemonSet).Spec.Template.Spec)}
		},
	},
	{
		kind: "Service",
		list: func(ctx context.Context, cs kubernetes.Interface, ns string) (runtime.Object, error) {
			return cs.CoreV1().Services(ns).List(ctx, metav1.ListOptions{})
		},
		watch: func(ctx context.Context, cs kubernetes.Interface, ns string, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.CoreV1().Services(ns).Watch(ctx, opts)
		},
		assess: onChange(func(obj runtime.Object) string {
			svc := obj.(*corev1.Service)
			parts := []string{string(svc.Spec.Type)}
			for _, p := range svc.Spec.Ports {
				parts = append(parts, fmt.Sprintf("%d/%s/%s", p.Port, p.Protocol, p.TargetPort.String()))
			}
			return strings.Join(parts, ",")
		}),
		details: func(obj runtime.Object) map[string]any {
			svc := obj.(*corev1.Service)
			ports := make([]map[string]any, 0, len(svc.Spec.Ports))
			for _, p := range svc.Spec.Ports {
				ports = append(ports, map[string]any{
					"port":       p.Port,
					"targetPort": p.TargetPort.String(),
					"protocol":   string(p.Protocol),
				})
			}
			return map[string]any{
				"type":      string(svc.Spec.Type),
				"clusterIp": svc.Spec.ClusterIP,
				"ports":     ports,
				"selector":  svc.Spec.Selector,
			}
		},
	},
	{
		kind: "ConfigMap",
		list: func(ctx context.Context, cs kubernetes.Interface, ns string) (runtime.Object, error) {
			return cs.CoreV1().ConfigMaps(ns).List(ctx, metav1.ListOptions{})
		},
		watch: func(ctx context.Context, cs kubernetes.Interface, ns string, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.CoreV1().ConfigMaps(ns).Watch(ctx, opts)
		},
		assess: onChange(func(obj runtime.Object) string {
			cm := obj.(*corev1.ConfigMap)
			// Maps marshal with sorted keys, so equal data hashes equally.
			raw, _ := json.Marshal([]any{cm.Data, cm.BinaryData})
			sum := sha256.Sum256(raw)
			return hex.EncodeToString(sum[:])
		}),
		details: func(obj runtime.Object) map[string]any {
			cm := obj.(*corev1.ConfigMap)
			return map[string]any{
				"keys":       sortedKeys(cm.Data),
				"binaryKeys": sortedKeys(cm.BinaryData),
			}
		},
	},
	{
		kind: "Secret",
		list: func(ctx context.Context, cs kubernetes.Interface, ns string) (runtime.Object, error) {
			return cs.CoreV1().Secrets(ns).List(ctx, metav1.ListOptions{})
		},
		watch: func(ctx context.Context, cs kubernetes.Interface, ns string, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.CoreV1().Secrets(ns).Watch(ctx, opts)
		},
		// Only key names are compared and stored, never values.
		assess: onChange(func(obj runtime.Object) string {
			return strings.Join(sortedKeys(obj.(*corev1.Secret).Data), ",")
		}),
		details: func(obj runtime.Object) map[string]any {
			s := obj.(*corev1.Secret)
			return map[string]any{"keys": sortedKeys(s.Data), "type": string(s.Type)}
		},
		ignore: func(obj runtime.Object) bool {
			return obj.(*corev1.Secret).Type == corev1.SecretTypeServiceAccountToken
		},
	},
	{
		kind: "Ingress",
		list: func(ctx context.Context, cs kubernetes.Interface, ns string) (runtime.Object, error) {
			return cs.NetworkingV1().Ingresses(ns).List(ctx, metav1.ListOptions{})
		},
		watch: func(ctx context.Context, cs kubernetes.Interface, ns string, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.NetworkingV1().Ingresses(ns).Watch(ctx, opts)
		},
		assess: onChange(func(obj runtime.Object) string {
			var hosts []string
			for _, rule := range obj.(*networkingv1.Ingress).Spec.Rules {
				if rule.Host != "" {
					hosts = append(hosts, rule.Host)
				}
			}
			sort.Strings(hosts)
			return strings.Join(hosts, ",")
		}),
		details: func(obj runtime.Object) map[string]any {
			ing := obj.(*networkingv1.Ingress)
			rules := make([]map[string]any, 0, len(ing.Spec.Rules))
			for _, rule := range ing.Spec.Rules {
				var paths []string
				if rule.HTTP != nil {
					for _, p := range rule.HTTP.Paths {
						if p.Backend.Service != nil {
							paths = append(paths, fmt.Sprintf("%s -> %s:%d", p.Path, p.Backend.Service.Name, p.Backend.Service.Port.Number))
						} else {
							paths = append(paths, p.Path)
						}
					}
				}
				rules = append(rules, map[string]any{"host": rule.Host, "paths": paths})
			}
			return map[string]any{"rules": rules}
		},
	},
	{
		kind: "Role",
		list: func(ctx context.Context, cs kubernetes.Interface, ns string) (runtime.Object, error) {
			return cs.RbacV1().Roles(ns).List(ctx, metav1.ListOptions{})
		},
		watch: func(ctx context.Context, cs kubernetes.Interface, ns string, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.RbacV1().Roles(ns).Watch(ctx, opts)
		},
		assess: always,
		details: func(obj runtime.Object) map[string]any {
			role := obj.(*rbacv1.Role)
			rules := make([]map[string]any, 0, len(role.Rules))
			for _, r := range role.Rules {
				rules = append(rules, map[string]any{
					"apiGroups": r.APIGroups,
					"resources": r.Resources,
					"verbs":     r.Verbs,
				})
			}
			return map[string]any{"rules": rules}
		},
	},
	{
		kind: "RoleBinding",
		list: func(ctx context.Context, cs kubernetes.Interface, ns string) (runtime.Object, error) {
			return cs.RbacV1().RoleBindings(ns).List(ctx, metav1.ListOptions{})
		},
		watch: func(ctx context.Context, cs kubernetes.Interface, ns string, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.RbacV1().RoleBindings(ns).Watch(ctx, opts)
		},
		assess: always,
		details: func(obj runtime.Object) map[string]any {
			rb := obj.(*rbacv1.RoleBinding)
			subjects := make([]string, 0, len(rb.Subjects))
			for _, s := range rb.Subjects {
				subjects = append(subjects, s.Kind+"/"+s.Name)
			}
			return map[string]any{
				"roleRef":  rb.RoleRef.Kind + "/" + rb.RoleRef.Name,
				"subjects": subjects,
			}
		},
	},
}

// Container states that make a pod modification worth recording.
var (
	troubledWaiting = map[string]bool{
		"CrashLoopBackOff":           true,
		"ImagePullBackOff":           true,
		"ErrImagePull":               true,
		"CreateContainerConfigError": true,
		"InvalidImageName":           true,
	}
	troubledTerminated = map[string]bool{
		"Error":     true,
		"OOMKilled": true,
	}
)

// assessPod remembers the total restart count. A pod modification counts when a
// container is in a troubled state or has restarted since the last event.
func assessPod(obj runtime.Object, prev string, _ bool) (string, bool, string) {
	pod := obj.(*corev1.Pod)

	var restarts int
	var reason string
	for _, cs := range pod.Status.ContainerStatuses {
		restarts += int(cs.RestartCount)
		if reason != "" {
			continue
		}
		switch {
		case cs.State.Waiting != nil && troubledWaiting[cs.State.Waiting.Reason]:
			reason = cs.State.Waiting.Reason
		case cs.State.Terminated != nil && troubledTerminated[cs.State.Terminated.Reason]:
			reason = cs.State.Terminated.Reason
		}
	}

	before, _ := strconv.Atoi(prev)
	restarted := restarts > before
	if reason == "" && restarted {
		reason = "Restarted"
	}
	return strconv.Itoa(restarts), reason != "", reason
}

func podDetails(obj runtime.Object) map[string]any {
	pod := obj.(*corev1.Pod)
	containers := make([]map[string]any, 0, len(pod.Status.ContainerStatuses))
	for _, cs := range pod.Status.ContainerStatuses {
		c := map[string]any{
			"name":         cs.Name,
			"image":        cs.Image,
			"ready":        cs.Ready,
			"restartCount": cs.RestartCount,
		}
		switch {
		case cs.State.Waiting != nil:
			c["state"] = "waiting"
			c["reason"] = cs.State.Waiting.Reason
		case cs.State.Terminated != nil:
			c["state"] = "terminated"
			c["reason"] = cs.State.Terminated.Reason
			c["exitCode"] = cs.State.Terminated.ExitCode
		case cs.State.Running != nil:
			c["state"] = "running"
		}
		containers = append(containers, c)
	}
	return map[string]any{
		"phase":      string(pod.Status.Phase),
		"node":       pod.Spec.NodeName,
		"images":     containerImages(pod.Spec),
		"containers": containers,
	}
}

// onChange counts a modification when fingerprint differs from the remembered one.
func onChange(fingerprint func(runtime.Object) string) func(runtime.Object, string, bool) (string, bool, string) {
	return func(obj runtime.Object, prev string, known bool) (string, bool, string) {
		state := fingerprint(obj)
		return state, !known || state != prev, ""
	}
}

// always counts every modification. Used for RBAC objects.
func always(runtime.Object, string, bool) (string, bool, string) {
	return "", true, ""
}

func images(spec corev1.PodSpec) []string {
	out := make([]string, 0, len(spec.Containers))
	for _, c := range spec.Containers {
		out = append(out, c.Image)
	}
	return out
}

func containerImages(spec corev1.PodSpec) []map[string]string {
	out := make([]map[string]string, 0, len(spec.Containers))
	for _, c := range spec.Containers {
		out = append(out, map[string]string{"name": c.Name, "image": c.Image})
	}
	return out
}

func replicas(n *int32) string {
	if n == nil {
		return "1"
	}
	return strconv.Itoa(int(*n))
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
