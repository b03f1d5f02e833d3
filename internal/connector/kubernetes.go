package connector

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"painchain.app/ingest/common/errs"
	"painchain.app/ingest/common/logger"
	"painchain.app/ingest/internal/model"
	"painchain.app/ingest/internal/normalizer"
)

const kubeWatchers = 8

// KubeClientFunc builds the API client for one connection.
type KubeClientFunc func(conn *model.Connection, limiter *rate.Limiter) (kubernetes.Interface, error)

// kubeConnector follows object changes in a cluster.
//
// The first sync of each kind lists the current objects and reports them as
// created. Later syncs watch from the resource version the previous one ended at,
// for at most the connection's watch window. Cursors live in memory for the
// life of the process. After a restart or an expired resource version the kind
// is listed again; unchanged objects keep their resource version and therefore
// their external ID, so the relist stores nothing twice.
type kubeConnector struct {
	conn       *model.Connection
	client     kubernetes.Interface
	deps       Deps
	cursors    *kubeCursors
	cluster    string
	namespaces []string
	window     time.Duration
}

// kubeCursor is where the last sync of one kind in one namespace stopped.
type kubeCursor struct {
	listed          bool
	resourceVersion string
	// states holds what assess remembered per namespace/name.
	states map[string]string
}

type kubeCursors struct {
	mu   sync.Mutex
	byID map[string]*kubeCursor
}

func (c *kubeCursors) get(connectionID int64, kind, namespace string) *kubeCursor {
	key := strconv.FormatInt(connectionID, 10) + "/" + kind + "/" + namespace
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.byID[key]
	if !ok {
		cur = &kubeCursor{states: map[string]string{}}
		c.byID[key] = cur
	}
	return cur
}

// NewKubernetesFactory builds cluster connectors. A nil newClient talks to the
// API server named in the connection, or to the local cluster when none is set.
func NewKubernetesFactory(deps Deps, newClient KubeClientFunc) Factory {
	if newClient == nil {
		newClient = restKubeClient
	}
	cursors := &kubeCursors{byID: map[string]*kubeCursor{}}

	return func(conn *model.Connection) (Connector, error) {
		var limiter *rate.Limiter
		if deps.Clients != nil {
			limiter = deps.Clients.Limiter()
		}
		client, err := newClient(conn, limiter)
		if err != nil {
			return nil, errs.Mark(errors.Wrapf(err, "kubernetes connection %d", conn.ID), errs.ValidationFailure)
		}

		settings := conn.Settings()
		namespaces := settings.Namespaces()
		if len(namespaces) == 0 {
			namespaces = []string{metav1.NamespaceAll}
		}
		return &kubeConnector{
			conn:       conn,
			client:     client,
			deps:       deps,
			cursors:    cursors,
			cluster:    settings.ClusterName(),
			namespaces: namespaces,
			window:     settings.WatchWindow(),
		}, nil
	}
}

func restKubeClient(conn *model.Connection, limiter *rate.Limiter) (kubernetes.Interface, error) {
	settings := conn.Settings()

	var cfg *rest.Config
	if host := settings.APIServer(); host != "" {
		cfg = &rest.Config{
			Host:            host,
			BearerToken:     settings.Token(),
			TLSClientConfig: rest.TLSClientConfig{Insecure: !settings.VerifySSL()},
		}
	} else {
		var err error
		if cfg, err = rest.InClusterConfig(); err != nil {
			return nil, errors.Wrap(err, "no api server configured and not running in a cluster")
		}
	}
	// No client timeout: watches are bounded by their own deadline.
	if limiter != nil {
		cfg.Wrap(func(rt http.RoundTripper) http.RoundTripper {
			return &rateLimitedTransport{base: rt, limiter: limiter}
		})
	}
	return kubernetes.NewForConfig(cfg)
}

func (c *kubeConnector) TestConnection(ctx context.Context) bool {
	if err := c.authenticate(ctx); err != nil {
		c.deps.logger().WarnContext(ctx, "kubernetes connection test failed", "connection_id", c.conn.ID, "error", err)
		return false
	}
	return true
}

func (c *kubeConnector) authenticate(ctx context.Context) error {
	_, err := c.client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{Limit: 1})
	if err != nil {
		return classifyKube(err, false, "listing namespaces of cluster %s", c.cluster)
	}
	return nil
}

// kubeBatch is what one list or watch returned for one kind in one namespace.
type kubeBatch struct {
	resource  kubeResource
	namespace string
	cursor    *kubeCursor
	listRV    string
	listed    []runtime.Object
	events    []watch.Event
	err       error
}

func (c *kubeConnector) Sync(ctx context.Context, connectionID int64) SyncResult {
	run := newSyncRun(c.deps, c.conn, connectionID)
	ctx = run.context(ctx)

	sc := logger.StartSpan(ctx, "connector.kubernetes.sync")
	defer sc.End()
	ctx = sc.Context()

	if err := c.authenticate(ctx); err != nil {
		sc.RecordError(err)
		return topLevelFailure(err)
	}

	var batches []*kubeBatch
	for _, ns := range c.namespaces {
		for _, res := range kubeResources {
			batches = append(batches, &kubeBatch{
				resource:  res,
				namespace: ns,
				cursor:    c.cursors.get(connectionID, res.kind, ns),
			})
		}
	}

	// Watches run in parallel so one sync takes about one window. Results are
	// applied afterwards on this goroutine.
	sem := make(chan struct{}, kubeWatchers)
	var wg sync.WaitGroup
	for _, b := range batches {
		wg.Add(1)
		go func(b *kubeBatch) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			c.fetch(ctx, b)
		}(b)
	}
	wg.Wait()

	for _, b := range batches {
		c.apply(ctx, run, b)
	}

	run.logger.InfoContext(ctx, "kubernetes sync finished",
		"cluster", c.cluster,
		"namespaces", len(c.namespaces),
		"events_stored", run.stored,
		"failures", run.failures,
	)
	return run.result()
}

// fetch fills b from a list on the first sync of a kind and from a watch after that.
func (c *kubeConnector) fetch(ctx context.Context, b *kubeBatch) {
	if !b.cursor.listed {
		b.listRV, b.listed, b.err = c.list(ctx, b.resource, b.namespace)
		return
	}

	w, err := b.resource.watch(ctx, c.client, b.namespace, metav1.ListOptions{
		ResourceVersion:     b.cursor.resourceVersion,
		AllowWatchBookmarks: true,
		TimeoutSeconds:      ptrInt64(int64(math.Ceil(c.window.Seconds()))),
	})
	if err != nil {
		b.err = err
		return
	}
	b.events = drain(ctx, w, c.window)
}

func (c *kubeConnector) list(ctx context.Context, res kubeResource, ns string) (string, []runtime.Object, error) {
	obj, err := res.list(ctx, c.client, ns)
	if err != nil {
		return "", nil, err
	}
	items, err := meta.ExtractList(obj)
	if err != nil {
		return "", nil, err
	}
	listMeta, err := meta.ListAccessor(obj)
	if err != nil {
		return "", nil, err
	}
	return listMeta.GetResourceVersion(), items, nil
}

// drain collects watch events until the window closes, the server ends the
// watch, or an error event arrives.
func drain(ctx context.Context, w watch.Interface, window time.Duration) []watch.Event {
	defer w.Stop()
	timer := time.NewTimer(window)
	defer timer.Stop()

	var out []watch.Event
	for {
		select {
		case ev, ok := <-w.ResultChan():
			if !ok {
				return out
			}
			out = append(out, ev)
			if ev.Type == watch.Error {
				return out
			}
		case <-timer.C:
			return out
		case <-ctx.Done():
			return out
		}
	}
}

func (c *kubeConnector) apply(ctx context.Context, run *syncRun, b *kubeBatch) {
	target := c.cluster + "/" + orAll(b.namespace)

	if b.err != nil && isExpired(b.err) {
		b.err = c.relist(ctx, b)
	}
	if b.err != nil {
		run.failed(ctx, target, b.resource.kind, classifyKube(b.err, true, "syncing %ss in %s", b.resource.kind, target))
		return
	}

	if !b.cursor.listed {
		c.applyList(ctx, run, b)
		return
	}

	for _, ev := range b.events {
		switch ev.Type {
		case watch.Error:
			err := apierrors.FromObject(ev.Object)
			if isExpired(err) {
				if err = c.relist(ctx, b); err == nil {
					c.applyList(ctx, run, b)
					return
				}
			}
			run.failed(ctx, target, b.resource.kind, classifyKube(err, true, "watching %ss in %s", b.resource.kind, target))
			return
		case watch.Bookmark:
			if m, err := meta.Accessor(ev.Object); err == nil {
				b.cursor.resourceVersion = m.GetResourceVersion()
			}
		case watch.Added, watch.Modified, watch.Deleted:
			c.observe(ctx, run, b, string(ev.Type), ev.Object)
		}
	}
}

// relist replaces a cursor whose resource version the server no longer has.
func (c *kubeConnector) relist(ctx context.Context, b *kubeBatch) error {
	c.deps.logger().InfoContext(ctx, "resource version expired, listing again",
		"kind", b.resource.kind,
		"namespace", orAll(b.namespace),
		"resource_version", b.cursor.resourceVersion,
	)
	b.cursor.listed = false
	b.cursor.resourceVersion = ""
	b.events = nil

	var err error
	b.listRV, b.listed, err = c.list(ctx, b.resource, b.namespace)
	return err
}

func (c *kubeConnector) applyList(ctx context.Context, run *syncRun, b *kubeBatch) {
	for _, obj := range b.listed {
		c.observe(ctx, run, b, normalizer.ChangeAdded, obj)
	}
	b.cursor.listed = true
	b.cursor.resourceVersion = b.listRV
}

// observe advances the cursor past obj and stores an event when the change counts.
func (c *kubeConnector) observe(ctx context.Context, run *syncRun, b *kubeBatch, change string, obj runtime.Object) {
	m, err := meta.Accessor(obj)
	if err != nil {
		run.logger.WarnContext(ctx, "unreadable watch object", "kind", b.resource.kind, "error", err)
		return
	}
	if rv := m.GetResourceVersion(); rv != "" {
		b.cursor.resourceVersion = rv
	}
	if b.resource.ignore != nil && b.resource.ignore(obj) {
		return
	}

	key := m.GetNamespace() + "/" + m.GetName()
	prev, known := b.cursor.states[key]
	state, significant, reason := b.resource.assess(obj, prev, known)

	switch change {
	case normalizer.ChangeDeleted:
		delete(b.cursor.states, key)
		reason = ""
	case normalizer.ChangeAdded:
		b.cursor.states[key] = state
		reason = ""
	default:
		b.cursor.states[key] = state
		if !significant {
			return
		}
	}

	ts := time.Now().UTC()
	created := m.GetCreationTimestamp()
	switch {
	case change == normalizer.ChangeAdded && !created.IsZero():
		ts = created.UTC()
	case change == normalizer.ChangeDeleted && m.GetDeletionTimestamp() != nil:
		ts = m.GetDeletionTimestamp().UTC()
	}

	run.store(ctx, normalizer.ResourceEvent(run.connectionID, normalizer.ResourceFacts{
		Cluster:         c.cluster,
		Kind:            b.resource.kind,
		Namespace:       m.GetNamespace(),
		Name:            m.GetName(),
		ResourceVersion: m.GetResourceVersion(),
		Change:          change,
		Reason:          reason,
		Labels:          m.GetLabels(),
		Details:         b.resource.details(obj),
		Timestamp:       ts,
	}))
}

func isExpired(err error) bool {
	return apierrors.IsResourceExpired(err) || apierrors.IsGone(err)
}

// classifyKube maps API errors onto the HTTP status classification. Kinds the
// service account may not read are NotApplicable when optional.
func classifyKube(err error, optional bool, format string, args ...any) error {
	var status apierrors.APIStatus
	code := 0
	if errors.As(err, &status) {
		code = int(status.Status().Code)
	}
	return classify(err, code, optional, format, args...)
}

func orAll(namespace string) string {
	if namespace == metav1.NamespaceAll {
		return "*"
	}
	return namespace
}

func ptrInt64(v int64) *int64 {
	return &v
}
