// Package shard partitions the transaction-hash space across a fixed set of
// cooperating worker processes.
package shard

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	// ErrInvalidAssignment reports a worker id / worker count pair that cannot
	// partition anything.
	ErrInvalidAssignment = errors.New("shard: invalid assignment")
	// ErrMalformedHash reports a hash that is not a hex integer.
	ErrMalformedHash = errors.New("shard: malformed hash")
)

// Assignment is the static shard owned by this process.
type Assignment struct {
	WorkerID     int
	TotalWorkers int
}

// Validate reports configuration faults before any filtering happens.
func (a Assignment) Validate() error {
	if a.TotalWorkers <= 0 {
		return fmt.Errorf("%w: total workers must be >= 1, got %d", ErrInvalidAssignment, a.TotalWorkers)
	}
	if a.WorkerID < 0 || a.WorkerID >= a.TotalWorkers {
		return fmt.Errorf("%w: worker id %d outside [0, %d)", ErrInvalidAssignment, a.WorkerID, a.TotalWorkers)
	}
	return nil
}

// Owns reports whether hash belongs to this assignment.
func (a Assignment) Owns(hash string) (bool, error) {
	return BelongsTo(hash, a.WorkerID, a.TotalWorkers)
}

// BelongsTo interprets hash as an unsigned hex integer and reports whether
// value mod totalWorkers equals workerID.
func BelongsTo(hash string, workerID, totalWorkers int) (bool, error) {
	if totalWorkers <= 0 {
		return false, fmt.Errorf("%w: total workers must be >= 1, got %d", ErrInvalidAssignment, totalWorkers)
	}
	value, err := ParseHash(hash)
	if err != nil {
		return false, err
	}
	mod := new(big.Int).Mod(value, big.NewInt(int64(totalWorkers)))
	return mod.Int64() == int64(workerID), nil
}

// ParseHash strips an optional 0x prefix and parses the remaining hex digits.
func ParseHash(hash string) (*big.Int, error) {
	digits := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(hash), "0x"), "0X")
	if digits == "" || digits[0] == '-' || digits[0] == '+' {
		return nil, fmt.Errorf("%w: %q", ErrMalformedHash, hash)
	}
	value, ok := new(big.Int).SetString(digits, 16)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMalformedHash, hash)
	}
	return value, nil
}
