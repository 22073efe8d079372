package filesync

// Compare computes the diff between the files currently on disk and the
// files last recorded as active for the same user. Both inputs are keyed by
// FilePath. Unchanged files produce no result.
//
// Results for disk files come first, in disk order, followed by deletions in
// db order. Callers must not rely on that ordering.
func Compare(disk, db []FileMetadata) []SyncResult {
	dbByPath := make(map[string]FileMetadata, len(db))
	for _, f := range db {
		dbByPath[f.FilePath] = f
	}
	diskByPath := make(map[string]FileMetadata, len(disk))
	for _, f := range disk {
		diskByPath[f.FilePath] = f
	}

	var results []SyncResult
	seen := make(map[string]bool, len(disk))

	for _, f := range disk {
		if seen[f.FilePath] {
			continue
		}
		seen[f.FilePath] = true
		current := diskByPath[f.FilePath]

		recorded, ok := dbByPath[f.FilePath]
		if !ok {
			results = append(results, SyncResult{
				Action: ActionAdd,
				File:   current,
				Reason: "file not found in state store",
			})
			continue
		}
		if needsUpdate(current, recorded) {
			results = append(results, SyncResult{
				Action: ActionModify,
				File:   current,
				Reason: "file content or modification time changed",
			})
		}
	}

	deleted := make(map[string]bool)
	for _, f := range db {
		if _, ok := diskByPath[f.FilePath]; ok || deleted[f.FilePath] {
			continue
		}
		deleted[f.FilePath] = true
		results = append(results, SyncResult{
			Action: ActionDelete,
			File:   dbByPath[f.FilePath],
			Reason: "file no longer exists on disk",
		})
	}

	return results
}

// needsUpdate compares content hash and modification time.
func needsUpdate(disk, db FileMetadata) bool {
	return disk.ContentHash != db.ContentHash || !disk.LastModified.Equal(db.LastModified)
}

// Counts tallies results by action.
func Counts(results []SyncResult) map[SyncAction]int {
	counts := make(map[SyncAction]int, 3)
	for _, r := range results {
		counts[r.Action]++
	}
	return counts
}
