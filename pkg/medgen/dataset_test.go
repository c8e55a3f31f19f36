package medgen

import (
	"strings"
	"testing"
)

func TestAllDatasetsWellFormed(t *testing.T) {
	all := All()
	if len(all) == 0 {
		t.Fatal("no datasets registered")
	}

	for _, ds := range all {
		cols := make(map[string]bool)
		for _, c := range ds.Columns {
			if cols[c.Name] {
				t.Errorf("%s: duplicate column %s", ds.Name, c.Name)
			}
			cols[c.Name] = true
		}

		if len(ds.BusinessKey) == 0 {
			t.Errorf("%s: empty business key", ds.Name)
		}
		for _, k := range ds.BusinessKey {
			if !cols[k] {
				t.Errorf("%s: business key column %s not in columns", ds.Name, k)
			}
		}

		if ds.SourceFile == "" {
			t.Errorf("%s: no source file", ds.Name)
		}
	}
}

func TestConceptsComeFirst(t *testing.T) {
	// concepts - корень зависимостей, остальные датасеты ссылаются
	// на его CUI
	if All()[0].Name != "concepts" {
		t.Errorf("dependency order broken: first dataset is %s", All()[0].Name)
	}
}

func TestDerivedTableNames(t *testing.T) {
	ds, ok := ByName("concepts")
	if !ok {
		t.Fatal("concepts dataset not registered")
	}

	cases := map[string]string{
		ds.StagingTable():    "staging_concepts",
		ds.BackupTable():     "concepts_backup",
		ds.CDCInsertsTable(): "cdc_inserts_concepts",
		ds.CDCUpdatesTable(): "cdc_updates_concepts",
		ds.CDCDeletesTable(): "cdc_deletes_concepts",
	}
	for got, want := range cases {
		if got != want {
			t.Errorf("table name = %q, want %q", got, want)
		}
	}
}

func TestSelectPreservesDependencyOrder(t *testing.T) {
	out, err := Select([]string{"names", "concepts"})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(out) != 2 || out[0].Name != "concepts" || out[1].Name != "names" {
		t.Errorf("Select must keep dependency order, got %v", namesOf(out))
	}
}

func TestSelectEmptyMeansAll(t *testing.T) {
	out, err := Select(nil)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(out) != len(All()) {
		t.Errorf("empty selection must return all datasets, got %d", len(out))
	}
}

func TestSelectUnknownDataset(t *testing.T) {
	if _, err := Select([]string{"nonexistent"}); err == nil {
		t.Error("unknown dataset must be rejected")
	}
	if _, err := Select([]string{" concepts "}); err != nil {
		t.Errorf("dataset names must be trimmed: %v", err)
	}
}

func TestIsGzip(t *testing.T) {
	hpo, _ := ByName("hpo_mapping")
	if !hpo.IsGzip() {
		t.Error("hpo_mapping source is gzip")
	}
	concepts, _ := ByName("concepts")
	if concepts.IsGzip() {
		t.Error("MRCONSO.RRF is not gzip")
	}
}

func TestStr(t *testing.T) {
	if Str("") != nil {
		t.Error("empty string must map to NULL")
	}
	if v := Str("x"); v == nil || *v != "x" {
		t.Error("non-empty string must round-trip")
	}
}

func namesOf(datasets []Dataset) string {
	names := make([]string, len(datasets))
	for i, d := range datasets {
		names[i] = d.Name
	}
	return strings.Join(names, ",")
}
