package fingerprint

import (
	"strings"
	"testing"
)

func TestKeyIgnoresFieldOrderAndDuplicates(t *testing.T) {
	a := Key("gene", "homo_sapiens", "gene_id, biotype,description", "")
	b := Key("gene", "homo_sapiens", "description,gene_id,biotype,gene_id", "")
	if a != b {
		t.Fatalf("keys differ: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, Prefix) {
		t.Fatalf("key %q missing prefix", a)
	}
}

func TestKeyNormalizesConditionKeywords(t *testing.T) {
	a := Key("gene", "homo_sapiens", "", "biotype = 'protein_coding' and  start is not null")
	b := Key("gene", "homo_sapiens", "", "biotype = 'protein_coding' AND start IS NOT NULL")
	if a != b {
		t.Fatalf("keys differ: %q vs %q", a, b)
	}
}

func TestKeySeparatesDistinctQueries(t *testing.T) {
	keys := map[string]string{
		"base":        Key("gene", "homo_sapiens", "gene_id", ""),
		"species":     Key("gene", "mus_musculus", "gene_id", ""),
		"dataset":     Key("variant", "homo_sapiens", "gene_id", ""),
		"fields":      Key("gene", "homo_sapiens", "gene_id,biotype", ""),
		"condition":   Key("gene", "homo_sapiens", "gene_id", "biotype = 'lncRNA'"),
		"literalCase": Key("gene", "homo_sapiens", "gene_id", "biotype = 'LNCRNA'"),
		// Sorting the characters of the concatenation would collide these.
		"anagram": Key("gnee", "homo_sapiens", "gene_id", ""),
		"shifted": Key("gen", "ehomo_sapiens", "gene_id", ""),
	}
	seen := map[string]string{}
	for name, key := range keys {
		if other, ok := seen[key]; ok {
			t.Fatalf("%s and %s share key %q", name, other, key)
		}
		seen[key] = name
	}
}

func TestNormalizeFields(t *testing.T) {
	got := NormalizeFields(" b, a ,,b, c ")
	if strings.Join(got, ",") != "a,b,c" {
		t.Fatalf("NormalizeFields() = %v", got)
	}
	if len(NormalizeFields("")) != 0 {
		t.Fatal("empty field list should normalize to nothing")
	}
}

func TestNormalizeConditionKeepsIdentifiers(t *testing.T) {
	got := NormalizeCondition("island_count > 2 or  android = 'in  or'")
	if got != "island_count > 2 OR android = 'in  or'" {
		t.Fatalf("NormalizeCondition() = %q", got)
	}
}
