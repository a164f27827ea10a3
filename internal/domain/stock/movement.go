package stock

import "time"

type MovementType string

const (
	MovementIn         MovementType = "in"
	MovementOut        MovementType = "out"
	MovementReserved   MovementType = "reserved"
	MovementReleased   MovementType = "released"
	MovementAdjustment MovementType = "adjustment"
)

type ReferenceType string

const (
	ReferenceOrder      ReferenceType = "order"
	ReferenceReturn     ReferenceType = "return"
	ReferenceAdjustment ReferenceType = "adjustment"
	ReferenceOther      ReferenceType = "other"
)

// Movement is one ledger entry. Entries are never mutated or deleted;
// exactly one is appended per state-changing stock operation.
type Movement struct {
	ID               string
	ProductID        string
	Type             MovementType
	Quantity         int
	PreviousQuantity int
	NewQuantity      int
	PreviousReserved int
	NewReserved      int
	Reference        string
	ReferenceType    ReferenceType
	Reason           string
	PerformedBy      string
	OccurredAt       time.Time
}
