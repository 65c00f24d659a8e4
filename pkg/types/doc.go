// Package types defines the Adapter interface every backend implements, the
// abstract query, update, and schema shapes callers pass in, the Record shape
// every backend returns, and the error kinds adapters fail with.
//
// Callers normally obtain an Adapter through unidb.Connect and never touch a
// backend package directly:
//
//	db, err := unidb.Connect("sqlite", types.Config{DataDir: ".unidb"})
//	if err != nil {
//	    return err
//	}
//	if err := db.Initialize(ctx); err != nil {
//	    return err
//	}
//	defer db.Close(ctx)
//
//	rec, err := db.Create(ctx, "users", types.MustFields(map[string]any{"name": "Ann", "age": 30}))
//	adults, err := db.FindMany(ctx, "users", types.Query{"age": types.Ops{types.OpGte: 18}})
package types
