package types

import "context"

// Adapter is the uniform contract every backend implements. An Adapter owns
// one backend connection and a registry of collection models.
//
// A new Adapter is uninitialized. Initialize moves it to ready and Close moves
// it to closed; CRUD calls are valid only while ready and otherwise fail with
// ErrNotInitialized or ErrAlreadyClosed. A second Close fails with
// ErrAlreadyClosed.
type Adapter interface {
	// Backend returns the backend identifier this adapter was built for.
	Backend() Backend

	// Initialize opens the backend connection and verifies it is reachable
	// within Config.ConnectTimeout.
	Initialize(ctx context.Context) error

	// DefineModel registers the schema for a collection and creates the
	// backend-native model (table, validator, mapping, constraints). A name
	// can be defined once per adapter; redefinition fails with ErrInvalidSchema.
	DefineModel(ctx context.Context, collection string, schema Schema) error

	// Create inserts a record and returns it as persisted, with a new ID and
	// CreatedAt equal to UpdatedAt.
	Create(ctx context.Context, collection string, data Fields) (*Record, error)

	// FindOne returns the first record matching q, or nil when nothing
	// matches. An id key in q performs a point lookup and ignores every
	// other key.
	FindOne(ctx context.Context, collection string, q Query) (*Record, error)

	// FindMany returns every record matching q. The result is empty, not nil,
	// when nothing matches.
	FindMany(ctx context.Context, collection string, q Query) ([]*Record, error)

	// Update applies u to the records matching q. With an id key it updates
	// one record, returns it, and fails with ErrNotFound when the id does not
	// exist. Without one it updates every match atomically where the backend
	// allows and returns only counts.
	Update(ctx context.Context, collection string, q Query, u Update) (*UpdateResult, error)

	// Delete removes the records matching q. With an id key it fails with
	// ErrNotFound when the id does not exist.
	Delete(ctx context.Context, collection string, q Query) (*DeleteResult, error)

	// Close releases the backend connection.
	Close(ctx context.Context) error
}

// UpdateResult reports the outcome of Adapter.Update. Record is set only for
// point updates.
type UpdateResult struct {
	Record   *Record `json:"record,omitempty"`
	Matched  int64   `json:"matched"`
	Modified int64   `json:"modified"`
}

// DeleteResult reports the outcome of Adapter.Delete.
type DeleteResult struct {
	Deleted int64 `json:"deleted"`
}
