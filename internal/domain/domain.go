package domain

import "time"

// TaskState is the lifecycle state of a protocol task.
type TaskState string

const (
	TaskSubmitted     TaskState = "submitted"
	TaskWorking       TaskState = "working"
	TaskInputRequired TaskState = "input-required"
	TaskCompleted     TaskState = "completed"
	TaskFailed        TaskState = "failed"
	TaskCanceled      TaskState = "canceled"
)

// Terminal reports whether no further transitions are allowed (cancel aside).
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCanceled
}

type TaskStatus struct {
	State     TaskState `json:"state" enum:"submitted,working,input-required,completed,failed,canceled"`
	Message   string    `json:"message,omitempty"`
	Timestamp string    `json:"timestamp,omitempty" format:"date-time"`
}

type Part struct {
	Type string         `json:"type"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: "text", Text: text}
}

type Message struct {
	Role      string `json:"role" enum:"user,agent"`
	Parts     []Part `json:"parts"`
	MessageID string `json:"messageId"`
	TaskID    string `json:"taskId,omitempty"`
}

// Text concatenates the text parts of a message.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

type Artifact struct {
	Name  string `json:"name"`
	Parts []Part `json:"parts"`
}

type Task struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Status    TaskStatus     `json:"status"`
	History   []Message      `json:"history"`
	Artifacts []Artifact     `json:"artifacts"`
	Metadata  map[string]any `json:"metadata"`
}

// Clone returns a deep copy safe to hand out of a store.
func (t Task) Clone() Task {
	out := t
	out.History = make([]Message, len(t.History))
	for i, m := range t.History {
		m.Parts = cloneParts(m.Parts)
		out.History[i] = m
	}
	out.Artifacts = make([]Artifact, len(t.Artifacts))
	for i, a := range t.Artifacts {
		a.Parts = cloneParts(a.Parts)
		out.Artifacts[i] = a
	}
	out.Metadata = make(map[string]any, len(t.Metadata))
	for k, v := range t.Metadata {
		out.Metadata[k] = v
	}
	return out
}

func cloneParts(in []Part) []Part {
	out := make([]Part, len(in))
	copy(out, in)
	return out
}

// TrustTier is a coarse reputation bucket.
type TrustTier string

const (
	TierUnverified TrustTier = "UNVERIFIED"
	TierVerified   TrustTier = "VERIFIED"
	TierTrusted    TrustTier = "TRUSTED"
	TierPreferred  TrustTier = "PREFERRED"
)

// Valid reports whether the tier is one of the known buckets.
func (t TrustTier) Valid() bool {
	switch t {
	case TierUnverified, TierVerified, TierTrusted, TierPreferred:
		return true
	}
	return false
}

type Bid struct {
	ProviderID          string     `json:"providerId"`
	ProviderName        string     `json:"providerName"`
	Price               float64    `json:"price"`
	Currency            string     `json:"currency,omitempty"`
	Confidence          float64    `json:"confidence"`
	EstimatedDurationMs int64      `json:"estimatedDurationMs"`
	TrustScore          float64    `json:"trustScore"`
	TrustTier           TrustTier  `json:"trustTier" enum:"UNVERIFIED,VERIFIED,TRUSTED,PREFERRED"`
	Endpoint            string     `json:"endpoint,omitempty"`
	Synthetic           bool       `json:"synthetic,omitempty"`
	ExpiresAt           *time.Time `json:"expiresAt,omitempty"`
	Score               float64    `json:"score"`
}

// EstimatedMinutes converts the duration estimate to minutes.
func (b Bid) EstimatedMinutes() float64 {
	return float64(b.EstimatedDurationMs) / float64(time.Minute/time.Millisecond)
}

// Provider is a registered marketplace participant.
type Provider struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Endpoint     string    `json:"endpoint"`
	Capabilities []string  `json:"capabilities"`
	TrustScore   float64   `json:"trust_score"`
	TrustTier    TrustTier `json:"trust_tier"`
	CreatedAt    string    `json:"created_at" format:"date-time"`
}

type Wallet struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	Currency  string `json:"currency"`
	Balance   Cents  `json:"balance"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type TransactionStatus string

const (
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

type Transaction struct {
	ID         string            `json:"id"`
	FromWallet string            `json:"from_wallet"`
	ToWallet   string            `json:"to_wallet"`
	FromOwner  string            `json:"from_owner,omitempty"`
	ToOwner    string            `json:"to_owner,omitempty"`
	Amount     Cents             `json:"amount"`
	Currency   string            `json:"currency"`
	Reference  string            `json:"reference,omitempty"`
	Status     TransactionStatus `json:"status"`
	CreatedAt  string            `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}
