package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type IDType string

const (
	IDTypeTask  IDType = "task"
	IDTypeEvent IDType = "evt"
	IDTypePlan  IDType = "plan"
)

var validIDTypes = map[IDType]bool{
	IDTypeTask:  true,
	IDTypeEvent: true,
	IDTypePlan:  true,
}

var idRegex = regexp.MustCompile(`^(task|evt|plan)_[0-9]{10}_[0-9a-f]{8}$`)

func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}

	timestamp := time.Now().Unix()
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	hexStr := hex.EncodeToString(randomBytes)

	return fmt.Sprintf("%s_%010d_%s", idType, timestamp, hexStr), nil
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func ParseIDTimestamp(id string) (time.Time, error) {
	if !ValidateID(id) {
		return time.Time{}, fmt.Errorf("invalid ID format: %s", id)
	}
	tsStr := id[len(id)-19 : len(id)-9]
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp from ID %s: %w", id, err)
	}
	return time.Unix(ts, 0), nil
}

// NewWorkerID builds a worker identity that is unique per process and stays
// human-traceable to the host it ran on.
func NewWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
