package download

import (
	"time"
)

// Record describes one finished archive download.
type Record struct {
	FileName   string        `cbor:"1,keyasint"`
	URL        string        `cbor:"2,keyasint,omitempty"`
	Size       uint64        `cbor:"3,keyasint,omitempty"`
	Duration   time.Duration `cbor:"4,keyasint,omitempty"`
	HTTPStatus int           `cbor:"5,keyasint,omitempty"`
	Success    bool          `cbor:"6,keyasint,omitempty"`
	Time       time.Time     `cbor:"7,keyasint,omitempty"`
}

type RecordWithSeq struct {
	Sequence uint64  `cbor:"1,keyasint"`
	Record   *Record `cbor:"2,keyasint"`
}

// Log defines the interface for keeping a durable history of finished downloads.
// Records are indexed by the file name (latest record only) and by a local sequence number,
// which preserves the order in which downloads have finished.
type Log interface {
	// Put appends a record to the log, assigning it the next sequence number.
	// It returns the stored record with its sequence number and an error if the operation fails.
	Put(*Record) (*RecordWithSeq, error)

	// GetByName retrieves the latest record for the given archive file name.
	// It returns an error if no download of that file has been recorded.
	GetByName(string) (*RecordWithSeq, error)

	// GetBySeq retrieves the record with the given sequence number.
	GetBySeq(uint64) (*RecordWithSeq, error)

	// EnumerateBySeq retrieves records whose sequence numbers fall within [start, end).
	EnumerateBySeq(uint64, uint64) ([]*RecordWithSeq, error)

	// GetSeq returns the highest sequence number assigned so far.
	GetSeq() uint64

	// Close releases the resources held by the log.
	Close() error
}
