//go:build ignore

package main

import (
	"bytes"
	"fmt"
	"os"

	"Ethy/internal/storage"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <db1_path> <db2_path>\n", os.Args[0])
		os.Exit(1)
	}

	db1Path := os.Args[1]
	db2Path := os.Args[2]

	db1, err := storage.New(db1Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db1: %v\n", err)
		os.Exit(1)
	}
	defer db1.Close()

	db2, err := storage.New(db2Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db2: %v\n", err)
		os.Exit(1)
	}
	defer db2.Close()

	records1 := collectRecords(db1)
	records2 := collectRecords(db2)

	fmt.Printf("DB1 (%s): %d records\n", db1Path, len(records1))
	fmt.Printf("DB2 (%s): %d records\n", db2Path, len(records2))

	missing1, missing2, different := compare(records1, records2)

	if len(missing1) == 0 && len(missing2) == 0 && len(different) == 0 {
		fmt.Println("\nProof stores are identical")
		os.Exit(0)
	}

	fmt.Println("\nProof stores differ:")
	report("Records in DB1 but not in DB2", missing1)
	report("Records in DB2 but not in DB1", missing2)
	report("Records with different content", different)

	os.Exit(1)
}

// collectRecords reads every exported proof store record.
func collectRecords(db *storage.Storage) map[string][]byte {
	records := make(map[string][]byte)

	storage.NewProofStore(db).Export(func(key, value []byte) error {
		records[string(key)] = bytes.Clone(value)
		return nil
	})

	return records
}

// compare splits keys into one-sided and differing sets.
func compare(r1, r2 map[string][]byte) (missing1, missing2, different []string) {
	for key, v1 := range r1 {
		v2, ok := r2[key]
		switch {
		case !ok:
			missing1 = append(missing1, key)
		case !bytes.Equal(v1, v2):
			different = append(different, key)
		}
	}

	for key := range r2 {
		if _, ok := r1[key]; !ok {
			missing2 = append(missing2, key)
		}
	}

	return
}

// report prints a labelled key list.
func report(label string, keys []string) {
	if len(keys) == 0 {
		return
	}

	fmt.Printf("  - %s: %d\n", label, len(keys))
	for _, key := range keys {
		fmt.Printf("      %x\n", key)
	}
}
