package bus

import (
	"encoding/json"
	"fmt"

	"github.com/tributary-io/tributary/canonical"
	"github.com/tributary-io/tributary/faults"
)

// Stage names the four logical queues.
type Stage string

const (
	StageExtract   Stage = "extract"
	StageTransform Stage = "transform"
	StageLoad      Stage = "load"
	StageVectorize Stage = "vectorize"
)

// Message is implemented by every queue payload. A message whose tenant id
// is missing is a protocol error and must be dead-lettered, never processed.
type Message interface {
	Stage() Stage
	Tenant() int64
	// RoutingKey orders delivery: messages sharing a key are FIFO.
	RoutingKey() string
	Validate() error
}

// ExtractMessage fires one extraction run for one job.
type ExtractMessage struct {
	TenantID      int64           `json:"tenant_id"`
	JobID         int64           `json:"job_id"`
	JobName       string          `json:"job_name"`
	IntegrationID int64           `json:"integration_id"`
	Checkpoint    json.RawMessage `json:"checkpoint,omitempty"`
}

func (m *ExtractMessage) Stage() Stage  { return StageExtract }
func (m *ExtractMessage) Tenant() int64 { return m.TenantID }

// RoutingKey serializes extract messages per job so a job's runs cannot
// interleave on the consumer side.
func (m *ExtractMessage) RoutingKey() string {
	return fmt.Sprintf("%d.job-%d", m.TenantID, m.JobID)
}

func (m *ExtractMessage) Validate() error {
	if m.TenantID == 0 {
		return faults.Newf(faults.ClassProtocol, "extract message missing tenant_id")
	}
	if m.JobID == 0 {
		return faults.Newf(faults.ClassProtocol, "extract message missing job_id")
	}
	if m.IntegrationID == 0 {
		return faults.Newf(faults.ClassProtocol, "extract message missing integration_id")
	}
	return nil
}

// TransformMessage hands one staged raw batch to the transform stage.
type TransformMessage struct {
	TenantID int64  `json:"tenant_id"`
	JobID    int64  `json:"job_id"`
	JobName  string `json:"job_name"`
	BatchID  string `json:"batch_id"`
	Kind     string `json:"kind"`
}

func (m *TransformMessage) Stage() Stage  { return StageTransform }
func (m *TransformMessage) Tenant() int64 { return m.TenantID }

func (m *TransformMessage) RoutingKey() string {
	return fmt.Sprintf("%d.%s", m.TenantID, m.BatchID)
}

func (m *TransformMessage) Validate() error {
	if m.TenantID == 0 {
		return faults.Newf(faults.ClassProtocol, "transform message missing tenant_id")
	}
	if m.BatchID == "" {
		return faults.Newf(faults.ClassProtocol, "transform message missing batch_id")
	}
	if m.Kind == "" {
		return faults.Newf(faults.ClassProtocol, "transform message missing kind")
	}
	return nil
}

// LoadMessage carries canonical drafts for one batch to the load stage.
type LoadMessage struct {
	TenantID int64             `json:"tenant_id"`
	JobID    int64             `json:"job_id"`
	JobName  string            `json:"job_name"`
	BatchID  string            `json:"batch_id"`
	Entities []canonical.Draft `json:"entities"`
}

func (m *LoadMessage) Stage() Stage  { return StageLoad }
func (m *LoadMessage) Tenant() int64 { return m.TenantID }

func (m *LoadMessage) RoutingKey() string {
	return fmt.Sprintf("%d.%s", m.TenantID, m.BatchID)
}

func (m *LoadMessage) Validate() error {
	if m.TenantID == 0 {
		return faults.Newf(faults.ClassProtocol, "load message missing tenant_id")
	}
	if m.BatchID == "" {
		return faults.Newf(faults.ClassProtocol, "load message missing batch_id")
	}
	for i := range m.Entities {
		if m.Entities[i].TenantID() != m.TenantID {
			return faults.Newf(faults.ClassProtocol,
				"load message entity %d tenant %d does not match message tenant %d",
				i, m.Entities[i].TenantID(), m.TenantID)
		}
	}
	return nil
}

// VectorizeMessage asks the vectorize stage to (re)embed one entity.
type VectorizeMessage struct {
	TenantID        int64  `json:"tenant_id"`
	JobID           int64  `json:"job_id"`
	JobName         string `json:"job_name"`
	BatchID         string `json:"batch_id"`
	EntityKind      string `json:"entity_kind"`
	EntityID        int64  `json:"entity_id"`
	TextFingerprint string `json:"text_fingerprint"`
}

func (m *VectorizeMessage) Stage() Stage  { return StageVectorize }
func (m *VectorizeMessage) Tenant() int64 { return m.TenantID }

func (m *VectorizeMessage) RoutingKey() string {
	return fmt.Sprintf("%d.%s", m.TenantID, m.BatchID)
}

func (m *VectorizeMessage) Validate() error {
	if m.TenantID == 0 {
		return faults.Newf(faults.ClassProtocol, "vectorize message missing tenant_id")
	}
	if m.EntityKind == "" {
		return faults.Newf(faults.ClassProtocol, "vectorize message missing entity_kind")
	}
	if m.EntityID == 0 {
		return faults.Newf(faults.ClassProtocol, "vectorize message missing entity_id")
	}
	return nil
}
