package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Tenant is a row in the global tenants table (public schema).
type Tenant struct {
	ID        uuid.UUID
	Name      string
	Slug      string
	CreatedAt time.Time
}

// CCPairStatus is the lifecycle status of a connector-credential pair.
type CCPairStatus string

const (
	CCPairActive   CCPairStatus = "ACTIVE"
	CCPairPaused   CCPairStatus = "PAUSED"
	CCPairDeleting CCPairStatus = "DELETING"
)

// IndexingTrigger is an operator-requested one-shot indexing action.
type IndexingTrigger string

const (
	TriggerNone    IndexingTrigger = "NONE"
	TriggerUpdate  IndexingTrigger = "UPDATE"
	TriggerReindex IndexingTrigger = "REINDEX"
)

// AccessType describes how documents of a pair are shared.
type AccessType string

const (
	AccessPublic  AccessType = "PUBLIC"
	AccessPrivate AccessType = "PRIVATE"
	AccessSync    AccessType = "SYNC"
)

// CCPair is a connector + credential pairing, the unit of scheduling.
type CCPair struct {
	ID                      int
	Name                    string
	ConnectorID             int
	CredentialID            int
	Status                  CCPairStatus
	IndexingTrigger         IndexingTrigger
	AccessType              AccessType
	RefreshFreqSeconds      *int
	LastSuccessfulIndexTime *time.Time
	InRepeatedErrorState    bool
}

// Connector holds the source kind and configuration half of a CCPair.
type Connector struct {
	ID     int
	Name   string
	Source string
	Config json.RawMessage
}

// Credential holds the secret half of a CCPair.
type Credential struct {
	ID      int
	Source  string
	Secrets json.RawMessage
}

// SearchSettingsStatus is the lifecycle of one index generation.
type SearchSettingsStatus string

const (
	SettingsPresent SearchSettingsStatus = "PRESENT"
	SettingsFuture  SearchSettingsStatus = "FUTURE"
	SettingsPast    SearchSettingsStatus = "PAST"
)

// SearchSettings is the configuration of one index generation.
type SearchSettings struct {
	ID                int
	Status            SearchSettingsStatus
	ProviderType      string
	ModelName         string
	IndexName         string
	MultipassIndexing bool
}

// IndexAttemptStatus is the state machine of a single indexing attempt.
type IndexAttemptStatus string

const (
	AttemptNotStarted     IndexAttemptStatus = "NOT_STARTED"
	AttemptInProgress     IndexAttemptStatus = "IN_PROGRESS"
	AttemptSuccess        IndexAttemptStatus = "SUCCESS"
	AttemptPartialSuccess IndexAttemptStatus = "PARTIAL_SUCCESS"
	AttemptFailed         IndexAttemptStatus = "FAILED"
	AttemptCanceled       IndexAttemptStatus = "CANCELED"
)

// Terminal reports whether the status is immutable.
func (s IndexAttemptStatus) Terminal() bool {
	switch s {
	case AttemptSuccess, AttemptPartialSuccess, AttemptFailed, AttemptCanceled:
		return true
	}
	return false
}

// IndexAttempt is one run of a connector against one index generation.
type IndexAttempt struct {
	ID                 int
	CCPairID           int
	SearchSettingsID   int
	Status             IndexAttemptStatus
	FromBeginning      bool
	PollRangeStart     *time.Time
	PollRangeEnd       *time.Time
	CheckpointBlob     *string
	ErrorMsg           *string
	FullExceptionTrace *string
	TotalDocsIndexed   int
	NewDocsIndexed     int
	TimeCreated        time.Time
	TimeUpdated        time.Time
}

// Document is the relational-store view of an indexed document.
type Document struct {
	ID               string
	SemanticID       string
	Boost            int
	Hidden           bool
	DocUpdatedAt     *time.Time
	LastModified     time.Time
	LastSynced       *time.Time
	ChunkCount       *int
	FromIngestionAPI bool
	Access           json.RawMessage
	TokenCount       *int
}

// DocumentFailure records a per-document indexing failure. A later successful
// index of the same document resolves it.
type DocumentFailure struct {
	ID             int
	DocumentID     string
	CCPairID       int
	IndexAttemptID *int
	FailureMessage string
	IsResolved     bool
	TimeCreated    time.Time
}

// DocumentSet is a curated grouping of ccpairs whose documents are tagged
// with the set name in the search index.
type DocumentSet struct {
	ID         int
	Name       string
	IsUpToDate bool
}

// UserGroup mirrors DocumentSet for group-based access tagging.
type UserGroup struct {
	ID         int
	Name       string
	IsUpToDate bool
}

// SyncType distinguishes the kinds of metadata sync passes.
type SyncType string

const (
	SyncTypeDocument    SyncType = "DOCUMENT"
	SyncTypeDocumentSet SyncType = "DOCUMENT_SET"
	SyncTypeUserGroup   SyncType = "USER_GROUP"
)

// SyncStatus is the lifecycle of one sync pass over one entity.
type SyncStatus string

const (
	SyncInProgress SyncStatus = "IN_PROGRESS"
	SyncSuccess    SyncStatus = "SUCCESS"
	SyncFailed     SyncStatus = "FAILED"
	SyncCanceled   SyncStatus = "CANCELED"
)

// SyncRecord tracks one sync pass for observability and resumability.
type SyncRecord struct {
	ID            int
	EntityID      string
	SyncType      SyncType
	Status        SyncStatus
	NumDocsSynced int
	CreatedAt     time.Time
	EndedAt       *time.Time
}
