package emergency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var zoneBedTypes = map[Zone]BedType{
	ZoneResuscitation: BedTypeResusBay,
	ZoneTrauma:        BedTypeTraumaBay,
	ZoneAcute:         BedTypeMonitored,
	ZoneBehavioral:    BedTypeSafeRoom,
	ZoneFastTrack:     BedTypeChair,
	ZoneMain:          BedTypeBed,
}

// RecommendLocation picks a zone and bed type. First match wins: level 1,
// trauma, level 2, psychiatric, level 4-5, then the main department.
func RecommendLocation(level int, flags Flags) Location {
	var zone Zone
	switch {
	case level == 1:
		zone = ZoneResuscitation
	case flags.IsTrauma:
		zone = ZoneTrauma
	case level == 2:
		zone = ZoneAcute
	case flags.IsPsychiatric:
		zone = ZoneBehavioral
	case level >= 4:
		zone = ZoneFastTrack
	default:
		zone = ZoneMain
	}
	return Location{Zone: zone, Type: zoneBedTypes[zone]}
}

// WaitingLocation is where a visit queued for a bed is shown.
func WaitingLocation(at time.Time) *Location {
	return &Location{Zone: ZoneWaiting, AssignedAt: at}
}

const maxBedClaimAttempts = 3

// claimBed finds and occupies a bed in the requested zone/type. It returns
// "" with no error when the zone is full.
func claimBed(ctx context.Context, inv BedInventory, visitID uuid.UUID, zone Zone, bedType BedType) (string, error) {
	for attempt := 0; attempt < maxBedClaimAttempts; attempt++ {
		bedID, err := inv.FindAvailableBed(ctx, zone, bedType)
		if err != nil {
			return "", fmt.Errorf("find available bed: %w", err)
		}
		if bedID == "" {
			return "", nil
		}
		err = inv.Occupy(ctx, bedID, visitID)
		if err == nil {
			return bedID, nil
		}
		if !errors.Is(err, ErrBedOccupied) {
			return "", fmt.Errorf("occupy bed %s: %w", bedID, err)
		}
	}
	return "", nil
}
