package rebill

import "github.com/rebillhq/rebill/id"

// ID is the primary identifier type for all Rebill entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
