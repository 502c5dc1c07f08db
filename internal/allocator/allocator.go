// Package allocator mints project identifiers of the form
// {district}-{YY_YY}-{serial} from the serial counter in the config table.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"projectflow/internal/config"
)

// ErrAllocatorConfig means the district id or serial is missing or malformed. Retrying
// does not help until an operator fixes the config table.
var ErrAllocatorConfig = errors.New("allocator configuration invalid")

// SerialStore reads and writes config table values. Set must be durable and visible to
// other processes when it returns.
type SerialStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Allocator performs no locking. Callers hold the automation lock across Next.
type Allocator struct {
	Store SerialStore
}

// Next returns the id for the current serial and persists serial+1 before returning.
func (a Allocator) Next(ctx context.Context, bucket string) (string, error) {
	district, ok, err := a.Store.Get(ctx, config.KeyDistrictID)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", config.KeyDistrictID, err)
	}
	district = strings.TrimSpace(district)
	if !ok || district == "" {
		return "", fmt.Errorf("%s is not set: %w", config.KeyDistrictID, ErrAllocatorConfig)
	}
	raw, ok, err := a.Store.Get(ctx, config.KeySerialNumber)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", config.KeySerialNumber, err)
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%s is not set: %w", config.KeySerialNumber, ErrAllocatorConfig)
	}
	serial, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || serial < 0 {
		return "", fmt.Errorf("%s %q is not a serial number: %w", config.KeySerialNumber, raw, ErrAllocatorConfig)
	}
	if strings.TrimSpace(bucket) == "" {
		return "", errors.New("school year bucket required")
	}
	id := fmt.Sprintf("%s-%s-%04d", district, bucket, serial)
	if err := a.Store.Set(ctx, config.KeySerialNumber, strconv.Itoa(serial+1)); err != nil {
		return "", fmt.Errorf("advance %s: %w", config.KeySerialNumber, err)
	}
	return id, nil
}

// schoolYearStart is the calendar year in which the school year containing due begins.
func schoolYearStart(due time.Time, startMonth time.Month) int {
	if startMonth < time.January || startMonth > time.December {
		startMonth = time.July
	}
	if due.Month() < startMonth {
		return due.Year() - 1
	}
	return due.Year()
}

// SchoolYearBucket returns the YY_YY bucket used inside ids, e.g. 24_25.
func SchoolYearBucket(due time.Time, startMonth time.Month) string {
	start := schoolYearStart(due, startMonth)
	return fmt.Sprintf("%02d_%02d", start%100, (start+1)%100)
}

// SchoolYearLabel returns the human label, e.g. 2024-2025.
func SchoolYearLabel(due time.Time, startMonth time.Month) string {
	start := schoolYearStart(due, startMonth)
	return fmt.Sprintf("%d-%d", start, start+1)
}
