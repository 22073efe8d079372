// Package fs provides the filesystem side of synchronization: listing user
// namespaces under the storage root, scanning a user's files, and splitting
// extracted text into overlapping chunks.
package fs

// FilesDir is the directory under each user namespace that holds the files
// being synchronized.
const FilesDir = "files"

// ScanOptions configures the scanner.
type ScanOptions struct {
	// IgnorePatterns are additional patterns to skip (gitignore syntax).
	IgnorePatterns []string

	// IncludeHidden includes dot files.
	IncludeHidden bool
}

// ScanStats contains statistics from scanning one user namespace.
type ScanStats struct {
	FilesFound   int   // Regular files reported
	FilesSkipped int   // Files skipped due to hidden/pattern/type
	TotalBytes   int64 // Total bytes of files found
}

// Chunk is one window of extracted text.
type Chunk struct {
	Content   string // The text content of the chunk
	Index     int    // Position of this chunk within the document
	StartChar int    // Rune offset of the first character
}

// SplitOptions configures the splitter.
type SplitOptions struct {
	// ChunkSize is the target size for each chunk in characters.
	ChunkSize int

	// ChunkOverlap is the number of characters repeated between neighbouring
	// chunks. It must be smaller than ChunkSize.
	ChunkOverlap int
}

// DefaultSplitOptions returns the ingestion defaults.
func DefaultSplitOptions() SplitOptions {
	return SplitOptions{
		ChunkSize:    800,
		ChunkOverlap: 100,
	}
}
