package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/linkresolver/internal/model"
)

// ErrNotFound is returned by updates that target a row that does not exist.
var ErrNotFound = eris.New("store: not found")

// Store defines the persistence interface for resolver state. Lookups return
// (nil, nil) when nothing matches.
type Store interface {
	// Requests
	//
	// CreateRequest inserts req unless a request with the same session,
	// fingerprint and client address already exists, in which case the
	// existing row is returned with created=false.
	CreateRequest(ctx context.Context, req *model.Request) (stored *model.Request, created bool, err error)
	GetRequest(ctx context.Context, id string) (*model.Request, error)
	FindRequest(ctx context.Context, sessionID, fingerprint, clientIP string) (*model.Request, error)
	UpdateRequestCitation(ctx context.Context, requestID, citationID string) error

	// Citations and origin sources
	FindOrCreateCitation(ctx context.Context, c *model.Citation) (*model.Citation, error)
	GetCitation(ctx context.Context, id string) (*model.Citation, error)
	DeleteCitation(ctx context.Context, id string) error
	FindOrCreateOriginSource(ctx context.Context, identifier string) (*model.OriginSource, error)
	GetOriginSource(ctx context.Context, id string) (*model.OriginSource, error)

	// Dispatch ledger
	//
	// UpsertDispatch writes status and detail for (requestID, serviceID),
	// creating the row if needed. With protectTerminal set, a terminal
	// status is never replaced by a non-terminal one. The row as stored
	// after the write is returned.
	UpsertDispatch(ctx context.Context, requestID, serviceID string, status model.DispatchStatus, detail string, protectTerminal bool) (*model.DispatchRecord, error)
	// InsertDispatchIfAbsent creates the row only if none exists.
	InsertDispatchIfAbsent(ctx context.Context, requestID, serviceID string, status model.DispatchStatus) (created bool, err error)
	// CompareAndSetDispatch moves the row from one status to another,
	// replacing detail, only if it is currently in status from.
	CompareAndSetDispatch(ctx context.Context, requestID, serviceID string, from, to model.DispatchStatus, detail string) (swapped bool, err error)
	GetDispatch(ctx context.Context, requestID, serviceID string) (*model.DispatchRecord, error)
	ListDispatches(ctx context.Context, requestID string) ([]model.DispatchRecord, error)

	// Responses
	//
	// CreateResponse stores the response and one type row per label in a
	// single transaction.
	CreateResponse(ctx context.Context, resp *model.Response) (*model.Response, error)
	// ListResponses returns responses in creation order; an empty label
	// returns all of them.
	ListResponses(ctx context.Context, requestID string, label model.TypeLabel) ([]model.Response, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
