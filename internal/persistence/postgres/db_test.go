// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"slices"
	"strings"
	"testing"

	embeddedmigrations "github.com/adiadia/workflow-core/migrations"
)

func TestNewPoolInvalidURL(t *testing.T) {
	t.Parallel()

	pool, err := NewPool(context.Background(), "://not-valid", 0)
	if err == nil {
		t.Fatal("expected invalid URL to return an error")
	}
	if pool != nil {
		t.Fatal("expected pool to be nil on parse error")
	}
}

func TestEnsureSchemaRejectsNilPool(t *testing.T) {
	t.Parallel()

	if err := EnsureSchema(context.Background(), nil, nil); err == nil {
		t.Fatal("expected nil pool to be rejected")
	}
	if err := SchemaReady(context.Background(), nil); err == nil {
		t.Fatal("expected nil pool to be rejected by SchemaReady")
	}
}

func TestContractTablesCoverEmbeddedSchema(t *testing.T) {
	t.Parallel()

	want := []string{"runs", "checkpoints", "templates", "conversion_jobs"}
	if got := contractTables(); !slices.Equal(got, want) {
		t.Fatalf("expected contract tables %v got %v", want, got)
	}
}

func satisfiedContract() map[string]columnInfo {
	found := make(map[string]columnInfo, len(schemaContract))
	for _, c := range schemaContract {
		found[c.Table+"."+c.Column] = columnInfo{DataType: c.DataType, Nullable: c.Nullable, Unique: c.Unique}
	}
	return found
}

func TestCheckContractAcceptsMatchingCatalog(t *testing.T) {
	t.Parallel()

	if err := checkContract(satisfiedContract()); err != nil {
		t.Fatalf("expected contract to hold, got %v", err)
	}
}

func TestCheckContractNamesEveryViolation(t *testing.T) {
	t.Parallel()

	found := satisfiedContract()
	delete(found, "conversion_jobs.heartbeat_at")
	found["runs.revision"] = columnInfo{DataType: "integer"}
	found["checkpoints.seq"] = columnInfo{DataType: "bigint"}
	found["conversion_jobs.attempts"] = columnInfo{DataType: "integer", Nullable: true}

	err := checkContract(found)
	if err == nil {
		t.Fatal("expected contract violation")
	}
	for _, want := range []string{
		"conversion_jobs.heartbeat_at missing",
		"runs.revision is integer, want bigint",
		"checkpoints.seq must be unique",
		"conversion_jobs.attempts must be NOT NULL",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %q", want, err.Error())
		}
	}
}

func TestPendingMigrations(t *testing.T) {
	t.Parallel()

	all := []embeddedmigrations.File{
		{Version: 1, Name: "001_runs.sql", Checksum: "aaa"},
		{Version: 2, Name: "002_conversion.sql", Checksum: "bbb"},
		{Version: 3, Name: "003_next.sql", Checksum: "ccc"},
	}

	pending, err := pendingMigrations(all, map[string]string{"001_runs.sql": "aaa", "002_conversion.sql": ""})
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Name != "003_next.sql" {
		t.Fatalf("expected only 003_next.sql pending got %+v", pending)
	}

	_, err = pendingMigrations(all, map[string]string{"001_runs.sql": "edited"})
	if err == nil || !strings.Contains(err.Error(), "001_runs.sql changed") {
		t.Fatalf("expected changed migration error got %v", err)
	}
}
