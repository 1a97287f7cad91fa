package model

import (
	"fmt"
	"time"
)

// ItemKey identifies an item within the hierarchy.
type ItemKey struct {
	Level    uint32 `json:"level"`
	SubLevel uint32 `json:"sub_level"`
	ID       uint64 `json:"id"`
}

func (k ItemKey) String() string {
	return fmt.Sprintf("%d.%d:%d", k.Level, k.SubLevel, k.ID)
}

// LevelKey returns the level the item belongs to
func (k ItemKey) LevelKey() LevelKey {
	return LevelKey{Level: k.Level, SubLevel: k.SubLevel}
}

// ItemHeader is the cached metadata describing where an item lives.
type ItemHeader struct {
	Key        ItemKey   `json:"key"`
	Size       uint64    `json:"size"`
	RangeID    RangeID   `json:"range_id"`
	Hits       uint32    `json:"hits"`
	LastAccess time.Time `json:"last_access"`
}
