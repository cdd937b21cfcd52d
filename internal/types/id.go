// README: Shared identifier type and generator.
package types

import "github.com/google/uuid"

type ID string

func (id ID) String() string { return string(id) }

func NewID() ID {
	return ID(uuid.NewString())
}
