package normalizer

import (
	"fmt"
	"strings"
	"time"

	"painchain.app/ingest/internal/model"
)

// Watch event kinds carried by ResourceFacts.Change.
const (
	ChangeAdded    = "ADDED"
	ChangeModified = "MODIFIED"
	ChangeDeleted  = "DELETED"
)

// ResourceFacts describes one observed change to a Kubernetes object.
type ResourceFacts struct {
	Cluster         string
	Kind            string
	Namespace       string
	Name            string
	ResourceVersion string
	Change          string
	// Reason replaces "Updated" in the title of a modification, e.g. CrashLoopBackOff.
	Reason    string
	Labels    map[string]string
	Details   map[string]any
	Timestamp time.Time
}

// ResourceExternalID keys an object version. Cluster-scoped objects use "cluster" as namespace.
func ResourceExternalID(kind, namespace, name, resourceVersion string) string {
	return strings.Join([]string{"k8s", strings.ToLower(kind), orDefault(namespace, "cluster"), name, resourceVersion}, "-")
}

func ResourceEvent(connectionID int64, f ResourceFacts) *model.NormalizedEvent {
	namespace := orDefault(f.Namespace, "cluster")
	kind := strings.ToLower(f.Kind)

	var verb string
	switch f.Change {
	case ChangeAdded:
		verb = "Created"
	case ChangeDeleted:
		verb = "Deleted"
	default:
		verb = orDefault(f.Reason, "Updated")
	}

	metadata := map[string]any{
		"cluster":      f.Cluster,
		"namespace":    namespace,
		"resourceType": kind,
		"name":         f.Name,
	}
	if len(f.Labels) > 0 {
		metadata["labels"] = f.Labels
	}

	eventMetadata := map[string]any{
		"change":          f.Change,
		"resourceVersion": f.ResourceVersion,
	}
	for k, v := range f.Details {
		eventMetadata[k] = v
	}

	return &model.NormalizedEvent{
		ConnectionID:  connectionID,
		ExternalID:    ptr(ResourceExternalID(f.Kind, f.Namespace, f.Name, f.ResourceVersion)),
		Source:        string(model.ProviderKubernetes),
		EventType:     model.EventTypeResource,
		Title:         truncateRunes(fmt.Sprintf("[%s %s] %s", f.Kind, verb, f.Name), maxTitleRunes+32),
		Timestamp:     f.Timestamp,
		URL:           ptr(fmt.Sprintf("k8s://%s/%s/%ss/%s", f.Cluster, namespace, kind, f.Name)),
		Status:        ptr(strings.ToLower(f.Change)),
		Metadata:      metadata,
		EventMetadata: eventMetadata,
	}
}
