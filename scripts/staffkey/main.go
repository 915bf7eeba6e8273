// Command staffkey provisions a staff API key for conflictd.
//
// Usage:
//
//	go run ./scripts/staffkey -staff-id jdoe -firm-id <uuid> -role reviewer
//
// It generates a random API key, hashes it with Argon2id, and prints both
// the plaintext key (hand this to the staff member, it is not recoverable)
// and the CONFLICT_STAFF_KEYS JSON entry to add to the server environment.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/maryamyalansari-spec/onboarding-platform/internal/auth"
	"github.com/maryamyalansari-spec/onboarding-platform/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	staffID := flag.String("staff-id", "", "staff member identifier (required)")
	firmIDStr := flag.String("firm-id", "", "firm UUID the key is scoped to (required)")
	role := flag.String("role", "intake", "role: intake, reviewer, or admin")
	flag.Parse()

	if *staffID == "" || *firmIDStr == "" {
		flag.Usage()
		return fmt.Errorf("-staff-id and -firm-id are required")
	}
	firmID, err := uuid.Parse(*firmIDStr)
	if err != nil {
		return fmt.Errorf("-firm-id must be a UUID: %w", err)
	}
	switch *role {
	case "intake", "reviewer", "admin":
	default:
		return fmt.Errorf("-role must be intake, reviewer, or admin")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	apiKey := "ck_" + base64.RawURLEncoding.EncodeToString(raw)

	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		return err
	}

	entry, err := json.Marshal(config.StaffKeyConfig{
		KeyHash: hash,
		StaffID: *staffID,
		FirmID:  firmID,
		Role:    *role,
	})
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	fmt.Printf("API key (give to %s, shown once):\n\n  %s\n\n", *staffID, apiKey)
	fmt.Printf("Add this entry to the CONFLICT_STAFF_KEYS JSON array:\n\n  %s\n", entry)
	return nil
}
