package demo

import "github.com/LeJamon/goLockstepd/internal/lockstep/event"

// Application event types.
const (
	TypePlaceBuilding event.Type = "PlaceBuilding"
	TypeDemolish      event.Type = "Demolish"
)

// PlaceBuilding puts a building of Kind on an empty cell.
type PlaceBuilding struct {
	X    int    `json:"x"`
	Y    int    `json:"y"`
	Kind string `json:"kind"`
}

func (PlaceBuilding) EventType() event.Type { return TypePlaceBuilding }

// Demolish removes the building on a cell.
type Demolish struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (Demolish) EventType() event.Type { return TypeDemolish }

// Register adds the demo event types to reg.
func Register(reg *event.Registry) error {
	if err := event.RegisterJSON[PlaceBuilding](reg, TypePlaceBuilding); err != nil {
		return err
	}
	return event.RegisterJSON[Demolish](reg, TypeDemolish)
}

// NewRegistry returns a registry holding the demo event types.
func NewRegistry() *event.Registry {
	reg := event.NewRegistry()
	if err := Register(reg); err != nil {
		panic(err)
	}
	return reg
}
