package store

import "time"

// LedgerTransactionType enumerates the append-only ledger entry kinds.
type LedgerTransactionType string

const (
	TxSignupGrant LedgerTransactionType = "signup_grant"
	TxPromo       LedgerTransactionType = "promo"
	TxPurchase    LedgerTransactionType = "purchase"
	TxAdapterUse  LedgerTransactionType = "adapter_usage"
	TxBotRuntime  LedgerTransactionType = "bot_runtime"
	TxAddon       LedgerTransactionType = "addon"
	TxCorrection  LedgerTransactionType = "correction"
)

// LedgerTransaction is one append-only ledger row. DeltaRaw is signed raw
// units (see internal/credit).
type LedgerTransaction struct {
	ID          string
	TenantID    string
	DeltaRaw    int64
	Type        LedgerTransactionType
	Description string
	ReferenceID *string
	CreatedAt   time.Time
}

// BillingState is a BotInstance's or BotBilling row's lifecycle state.
type BillingState string

const (
	BillingActive    BillingState = "active"
	BillingSuspended BillingState = "suspended"
)

// BotBilling maps a bot to its tenant and billing lifecycle state.
type BotBilling struct {
	BotID        string
	TenantID     string
	Name         string
	BillingState BillingState
	SuspendedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NodeStatus enumerates the node state machine states (spec.md §4.7).
type NodeStatus string

const (
	NodeRegistering    NodeStatus = "registering"
	NodeActive         NodeStatus = "active"
	NodeDegraded       NodeStatus = "degraded"
	NodeDraining       NodeStatus = "draining"
	NodeOffline        NodeStatus = "offline"
	NodeDecommissioned NodeStatus = "decommissioned"
)

// Node is a worker node record.
type Node struct {
	ID              string
	Host            string
	Status          NodeStatus
	CapacityMB      int64
	UsedMB          int64
	AgentVersion    *string
	LastHeartbeatAt *time.Time
	RegisteredAt    time.Time
	UpdatedAt       time.Time
}

// NodeSecret is the stored hash of a node's per-node persistent secret.
type NodeSecret struct {
	NodeID       string
	HashedSecret string
}

// RegistrationToken is a one-time node-registration credential.
type RegistrationToken struct {
	Token      string
	UserID     string
	Label      string
	ConsumedAt *time.Time
}

// ReleaseChannel is a bot's update cadence label (spec.md §4.9).
type ReleaseChannel string

const (
	ChannelCanary  ReleaseChannel = "canary"
	ChannelStaging ReleaseChannel = "staging"
	ChannelStable  ReleaseChannel = "stable"
	ChannelPinned  ReleaseChannel = "pinned"
)

// UpdatePolicy controls when the image poller is allowed to apply an
// available update (spec.md §4.9).
type UpdatePolicy string

const (
	UpdateOnPush  UpdatePolicy = "on-push"
	UpdateNightly UpdatePolicy = "nightly"
	UpdateManual  UpdatePolicy = "manual"
)

// BotInstance is a tenant's bot, possibly unplaced (NodeID == nil).
type BotInstance struct {
	ID             string
	TenantID       string
	Name           string
	NodeID         *string
	BillingState   BillingState
	Image          string
	EstimatedMB    int64
	ReleaseChannel ReleaseChannel
	UpdatePolicy   UpdatePolicy
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MeterEvent is one atomic usage record.
type MeterEvent struct {
	ID         string
	TenantID   string
	CostRaw    int64
	ChargeRaw  int64
	Capability string
	Provider   string
	Timestamp  time.Time
	SessionID  *string
	DurationMS *int64
	UsageUnits *float64
	UsageType  *string
	Tier       *string
	Metadata   map[string]any
}

// UsageSummary is a rolled-up (tenant, capability, provider, window) row.
type UsageSummary struct {
	TenantID      string
	Capability    string
	Provider      string
	WindowStart   time.Time
	EventCount    int64
	TotalCostRaw  int64
	TotalChargeRaw int64
	TotalDurationMS int64
}

// BillingPeriodSummary is a rolled-up (tenant, capability, provider, period) row.
type BillingPeriodSummary struct {
	TenantID        string
	Capability      string
	Provider        string
	PeriodStart     time.Time
	EventCount      int64
	TotalCostRaw    int64
	TotalChargeRaw  int64
	TotalDurationMS int64
}

// RecoveryTrigger is why a recovery event started.
type RecoveryTrigger string

const (
	RecoveryAuto   RecoveryTrigger = "auto"
	RecoveryManual RecoveryTrigger = "manual"
	RecoveryDrain  RecoveryTrigger = "drain"
)

// RecoveryStatus is a recovery event's outcome.
type RecoveryStatus string

const (
	RecoveryInProgress RecoveryStatus = "in_progress"
	RecoveryCompleted  RecoveryStatus = "completed"
	RecoveryPartial    RecoveryStatus = "partial"
)

// RecoveryEvent is one node-loss recovery run.
type RecoveryEvent struct {
	ID              string
	NodeID          string
	Trigger         RecoveryTrigger
	Status          RecoveryStatus
	TenantsTotal    int
	TenantsRecovered int
	TenantsFailed   int
	TenantsWaiting  int
	StartedAt       time.Time
	CompletedAt     *time.Time
	ReportJSON      *string
}

// RecoveryItemStatus is one bot's recovery outcome within an event.
type RecoveryItemStatus string

const (
	ItemRecovered RecoveryItemStatus = "recovered"
	ItemFailed    RecoveryItemStatus = "failed"
	ItemWaiting   RecoveryItemStatus = "waiting"
)

// RecoveryItem is one bot's placement attempt within a RecoveryEvent.
type RecoveryItem struct {
	ID           string
	EventID      string
	BotID        string
	TenantID     string
	SourceNode   string
	TargetNode   *string
	BackupKey    *string
	Status       RecoveryItemStatus
	Reason       *string
	StartedAt    time.Time
	CompletedAt  *time.Time
}

// RateLimitCounter persists a token-bucket/window counter for restart
// survival (spec.md §4.4 step 4).
type RateLimitCounter struct {
	Scope       string
	Key         string
	WindowStart time.Time
	Count       int64
}

// CircuitBreakerState persists a per-instance breaker's counters.
type CircuitBreakerState struct {
	InstanceID  string
	Count       int64
	WindowStart time.Time
	TrippedAt   *time.Time
}

// SpendingCapScope is where a spending limit applies.
type SpendingCapScope string

const (
	ScopeGlobal     SpendingCapScope = "global"
	ScopeCapability SpendingCapScope = "capability"
)

// SpendingLimit is one tenant's global or per-capability cap.
type SpendingLimit struct {
	TenantID   string
	Capability *string // nil for the global scope
	AlertAtRaw *int64
	HardCapRaw *int64
}

// WebhookSeen records an externally-delivered webhook event id for
// idempotent processing.
type WebhookSeen struct {
	EventID string
	Source  string
	SeenAt  time.Time
}

// SnapshotTrigger is why a snapshot was taken.
type SnapshotTrigger string

const (
	SnapshotManual    SnapshotTrigger = "manual"
	SnapshotScheduled SnapshotTrigger = "scheduled"
	SnapshotPreRestore SnapshotTrigger = "pre_restore"
)

// SnapshotRecord is one bot-state snapshot's metadata row.
type SnapshotRecord struct {
	ID          string
	InstanceID  string
	UserID      string
	CreatedAt   time.Time
	SizeMB      float64
	Trigger     SnapshotTrigger
	Plugins     []string
	ConfigHash  string
	StoragePath string
}

// DeletionStatus is an account-deletion request's lifecycle state.
type DeletionStatus string

const (
	DeletionPending   DeletionStatus = "pending"
	DeletionCancelled DeletionStatus = "cancelled"
	DeletionCompleted DeletionStatus = "completed"
)

// DeletionRequest is one tenant's 30-day-grace account-deletion request.
type DeletionRequest struct {
	ID           string
	TenantID     string
	UserID       string
	Status       DeletionStatus
	DeleteAfter  time.Time
	CancelReason *string
	Summary      *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ServiceKey is a tenant's gateway credential: full key format is
// "wopr_<keyID>.<secret>", looked up by keyID with the secret verified
// against a bcrypt hash (spec.md §4.4 step 1's resolveServiceKey).
type ServiceKey struct {
	KeyID      string
	TenantID   string
	Name       string
	SecretHash string
	Active     bool
	CreatedAt  time.Time
	RevokedAt  *time.Time
}

// AuditEntry is an append-only audit log row.
type AuditEntry struct {
	ID        string
	Actor     string
	Action    string
	Target    string
	Before    map[string]any
	After     map[string]any
	CreatedAt time.Time
}
