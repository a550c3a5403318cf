package cookiestore

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/isometry/ad-dirsync/internal/dirsync"
)

const recordVersion = 1

// ErrCorrupt is returned when a stored checkpoint cannot be decoded. A
// corrupt checkpoint is never reported as absent.
var ErrCorrupt = errors.New("corrupt checkpoint")

// record is the on-disk form of a checkpoint. Integer keys keep the
// encoding compact and stable across field renames.
type record struct {
	Version        int       `cbor:"1,keyasint"`
	SessionID      string    `cbor:"2,keyasint"`
	Cookie         []byte    `cbor:"3,keyasint,omitempty"`
	PolledAt       time.Time `cbor:"4,keyasint"`
	ResyncRequired bool      `cbor:"5,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Core Deterministic Encoding: the same checkpoint always produces the
	// same bytes.
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("cookiestore: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("cookiestore: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeCheckpoint(cp dirsync.Checkpoint) ([]byte, error) {
	return encMode.Marshal(record{
		Version:        recordVersion,
		SessionID:      cp.SessionID,
		Cookie:         cp.Cookie,
		PolledAt:       cp.PolledAt.UTC(),
		ResyncRequired: cp.ResyncRequired,
	})
}

func decodeCheckpoint(data []byte) (dirsync.Checkpoint, error) {
	var r record
	if err := decMode.Unmarshal(data, &r); err != nil {
		return dirsync.Checkpoint{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if r.Version != recordVersion {
		return dirsync.Checkpoint{}, fmt.Errorf("%w: unsupported record version %d", ErrCorrupt, r.Version)
	}
	if r.SessionID == "" {
		return dirsync.Checkpoint{}, fmt.Errorf("%w: missing session id", ErrCorrupt)
	}

	return dirsync.Checkpoint{
		SessionID:      r.SessionID,
		Cookie:         dirsync.Cookie(r.Cookie),
		PolledAt:       r.PolledAt,
		ResyncRequired: r.ResyncRequired,
	}, nil
}
