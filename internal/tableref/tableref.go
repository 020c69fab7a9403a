// Package tableref implements the (Component, instance, cluster-id)
// addressing tuple that names one physical table, and the transaction-group
// equality spec.md §3 defines over it.
package tableref

import "fmt"

// Ref addresses one physical table: a component's namespace-qualified name,
// the deployment instance sharing a backend with others, and the shard
// group it belongs to.
type Ref struct {
	Component string
	Instance  string
	ClusterID int64
}

// New builds a Ref.
func New(component, instance string, clusterID int64) Ref {
	return Ref{Component: component, Instance: instance, ClusterID: clusterID}
}

// String renders the canonical key fragment used by both backends to key
// rows, indexes and notification channels.
func (r Ref) String() string {
	return fmt.Sprintf("%s:%s:%d", r.Instance, r.Component, r.ClusterID)
}

// SameGroup reports whether r and other belong to the same transaction
// group: equal instance and cluster id, per spec.md §3. The commit protocol
// requires every table reference touched by one session to share a group.
func (r Ref) SameGroup(other Ref) bool {
	return r.Instance == other.Instance && r.ClusterID == other.ClusterID
}

// RowChannel is the change-notification channel name for one row.
func RowChannel(r Ref, id int64) string {
	return fmt.Sprintf("row(%s,%d)", r.String(), id)
}

// IndexChannel is the change-notification channel name for one secondary
// index.
func IndexChannel(r Ref, indexName string) string {
	return fmt.Sprintf("index(%s,%s)", r.String(), indexName)
}
