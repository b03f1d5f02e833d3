package connector_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/time/rate"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"painchain.app/ingest/core/config"
	"painchain.app/ingest/internal/connector"
	"painchain.app/ingest/internal/ingest"
	"painchain.app/ingest/internal/model"
	"painchain.app/ingest/internal/store/storetest"
)

var _ = Describe("Kubernetes connector", func() {
	var (
		ctx       context.Context
		clientset *fake.Clientset
		events    *storetest.ChangeEvents
		registry  *connector.Registry
		conn      *model.Connection

		mu       sync.Mutex
		watchRVs map[string]string
	)

	build := func() connector.Connector {
		c, err := registry.Build(conn)
		Expect(err).ToNot(HaveOccurred())
		return c
	}

	listReturns := func(resource string, list runtime.Object) {
		clientset.PrependReactor("list", resource, func(k8stesting.Action) (bool, runtime.Object, error) {
			return true, list, nil
		})
	}

	// watchReturns serves buffered events and records the resource version each watch started at.
	watchReturns := func(resource string, send func(w *watch.FakeWatcher)) {
		clientset.PrependWatchReactor(resource, func(action k8stesting.Action) (bool, watch.Interface, error) {
			mu.Lock()
			watchRVs[resource] = action.(k8stesting.WatchAction).GetWatchRestrictions().ResourceVersion
			mu.Unlock()
			w := watch.NewFakeWithChanSize(10, false)
			send(w)
			return true, w, nil
		})
	}

	byExternalID := func() map[string]model.ChangeEvent {
		out := map[string]model.ChangeEvent{}
		for _, row := range events.Rows() {
			out[*row.ExternalID] = row
		}
		return out
	}

	BeforeEach(func() {
		ctx = context.Background()
		clientset = fake.NewClientset()
		watchRVs = map[string]string{}

		events = storetest.NewChangeEvents()
		deps := connector.Deps{
			Engine:  ingest.NewEngine(events, time.Second, nil),
			Events:  events,
			Clients: connector.NewClientFactory(config.ConnectorConfig{HTTPTimeout: 5 * time.Second}),
		}
		registry = connector.NewRegistry(map[model.Provider]connector.Factory{
			model.ProviderKubernetes: connector.NewKubernetesFactory(deps, func(*model.Connection, *rate.Limiter) (kubernetes.Interface, error) {
				return clientset, nil
			}),
		})

		conn = &model.Connection{
			ID:       30,
			Name:     "prod cluster",
			Provider: model.ProviderKubernetes,
			Enabled:  true,
			Config: map[string]any{
				"clusterName":  "prod",
				"namespaces":   "shop",
				"watchSeconds": 0.05,
				"tags":         "k8s",
			},
		}

		listReturns("pods", &corev1.PodList{
			ListMeta: metav1.ListMeta{ResourceVersion: "100"},
			Items:    []corev1.Pod{*kubePod("api-1", "10", 0, "")},
		})
		listReturns("deployments", &appsv1.DeploymentList{
			ListMeta: metav1.ListMeta{ResourceVersion: "200"},
			Items:    []appsv1.Deployment{*kubeDeployment("api", "11", "api:1", 2)},
		})
		listReturns("secrets", &corev1.SecretList{
			ListMeta: metav1.ListMeta{ResourceVersion: "300"},
			Items: []corev1.Secret{{
				ObjectMeta: metav1.ObjectMeta{Name: "default-token", Namespace: "shop", ResourceVersion: "12"},
				Type:       corev1.SecretTypeServiceAccountToken,
			}},
		})
	})

	It("reports every existing object as created on the first sync", func() {
		res := build().Sync(ctx, conn.ID)
		Expect(res.Success).To(BeTrue())
		Expect(res.Failures).To(BeZero())
		Expect(res.EventsStored).To(Equal(2))

		rows := byExternalID()
		Expect(rows).To(HaveKey("k8s-pod-shop-api-1-10"))
		Expect(rows).To(HaveKey("k8s-deployment-shop-api-11"))

		pod := rows["k8s-pod-shop-api-1-10"]
		Expect(pod.Source).To(Equal("kubernetes"))
		Expect(pod.Title).To(Equal("[Pod Created] api-1"))
		Expect(*pod.Status).To(Equal("added"))
		Expect(*pod.URL).To(Equal("k8s://prod/shop/pods/api-1"))
		Expect(pod.Metadata).To(HaveKeyWithValue("cluster", "prod"))
		Expect(pod.Metadata).To(HaveKeyWithValue("tags", []string{"k8s"}))
	})

	It("follows changes from where the previous sync stopped", func() {
		Expect(build().Sync(ctx, conn.ID).EventsStored).To(Equal(2))

		watchReturns("pods", func(w *watch.FakeWatcher) {
			w.Modify(kubePod("api-1", "20", 0, ""))
			w.Modify(kubePod("api-1", "21", 1, "CrashLoopBackOff"))
			w.Delete(kubePod("api-1", "22", 1, ""))
		})
		watchReturns("deployments", func(w *watch.FakeWatcher) {
			w.Modify(kubeDeployment("api", "30", "api:1", 2))
			w.Modify(kubeDeployment("api", "31", "api:2", 2))
		})

		res := build().Sync(ctx, conn.ID)
		Expect(res.Success).To(BeTrue())
		Expect(res.EventsStored).To(Equal(3))

		mu.Lock()
		Expect(watchRVs).To(HaveKeyWithValue("pods", "100"))
		Expect(watchRVs).To(HaveKeyWithValue("deployments", "200"))
		mu.Unlock()

		rows := byExternalID()
		Expect(rows).ToNot(HaveKey("k8s-pod-shop-api-1-20"))
		Expect(rows).ToNot(HaveKey("k8s-deployment-shop-api-30"))
		Expect(rows["k8s-pod-shop-api-1-21"].Title).To(Equal("[Pod CrashLoopBackOff] api-1"))
		Expect(rows["k8s-pod-shop-api-1-22"].Title).To(Equal("[Pod Deleted] api-1"))
		Expect(rows["k8s-deployment-shop-api-31"].Title).To(Equal("[Deployment Updated] api"))

		// The next watch resumes after the last event seen.
		watchReturns("pods", func(*watch.FakeWatcher) {})
		build().Sync(ctx, conn.ID)
		mu.Lock()
		Expect(watchRVs).To(HaveKeyWithValue("pods", "22"))
		mu.Unlock()
	})

	It("lists again when the saved resource version has expired", func() {
		Expect(build().Sync(ctx, conn.ID).EventsStored).To(Equal(2))

		clientset.PrependWatchReactor("pods", func(k8stesting.Action) (bool, watch.Interface, error) {
			return true, nil, apierrors.NewResourceExpired("too old resource version: 100")
		})
		listReturns("pods", &corev1.PodList{
			ListMeta: metav1.ListMeta{ResourceVersion: "500"},
			Items:    []corev1.Pod{*kubePod("api-1", "10", 0, ""), *kubePod("api-2", "40", 0, "")},
		})

		res := build().Sync(ctx, conn.ID)
		Expect(res.Success).To(BeTrue())
		Expect(res.Failures).To(BeZero())
		Expect(res.EventsStored).To(Equal(1))
		Expect(byExternalID()).To(HaveKey("k8s-pod-shop-api-2-40"))
	})

	It("skips kinds the service account may not read", func() {
		clientset.PrependReactor("list", "roles", func(k8stesting.Action) (bool, runtime.Object, error) {
			return true, nil, apierrors.NewForbidden(schema.GroupResource{Group: "rbac.authorization.k8s.io", Resource: "roles"}, "", nil)
		})

		res := build().Sync(ctx, conn.ID)
		Expect(res.Success).To(BeTrue())
		Expect(res.Failures).To(BeZero())
		Expect(res.EventsStored).To(Equal(2))
	})

	It("fails the sync when the cluster rejects the credentials", func() {
		clientset.PrependReactor("list", "namespaces", func(k8stesting.Action) (bool, runtime.Object, error) {
			return true, nil, apierrors.NewUnauthorized("token expired")
		})

		c := build()
		Expect(c.TestConnection(ctx)).To(BeFalse())

		res := c.Sync(ctx, conn.ID)
		Expect(res.Success).To(BeFalse())
		Expect(res.Error).To(ContainSubstring("token expired"))
		Expect(events.Rows()).To(BeEmpty())
	})
})

func kubePod(name, rv string, restarts int32, waiting string) *corev1.Pod {
	status := corev1.ContainerStatus{Name: "app", Image: "api:1", RestartCount: restarts, Ready: waiting == ""}
	if waiting != "" {
		status.State.Waiting = &corev1.ContainerStateWaiting{Reason: waiting}
	} else {
		status.State.Running = &corev1.ContainerStateRunning{}
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:            name,
			Namespace:       "shop",
			ResourceVersion: rv,
			Labels:          map[string]string{"app": "api"},
		},
		Spec: corev1.PodSpec{Containers: []corev1.Container{{Name: "app", Image: "api:1"}}},
		Status: corev1.PodStatus{
			Phase:             corev1.PodRunning,
			ContainerStatuses: []corev1.ContainerStatus{status},
		},
	}
}

func kubeDeployment(name, rv, image string, replicas int32) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "shop", ResourceVersion: rv},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{Containers: []corev1.Container{{Name: "app", Image: image}}},
			},
		},
	}
}
