// Package oxia implements the MetadataStore interface using Oxia.
//
// Usage:
//
//	store, err := oxia.New(ctx, oxia.Config{
//	    ServiceAddress: "localhost:6648",
//	    Namespace:      "orbit",
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
// Ephemeral keys:
//
// PutEphemeral creates keys that are deleted when the client session ends.
// Nodes register themselves this way, so a crashed node stops being a
// candidate for planet assignment once its session times out.
//
// Presence:
//
// When the presence layer runs on the metadata backend, each member of the
// mirrored node:{name} and user:{id} sets is stored as its own key, so a
// scan of one set is a single prefix listing.
package oxia
