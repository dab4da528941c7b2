package spots

import "errors"

// Failure taxonomy for the dataset pipeline. Handlers map these to HTTP
// status codes with errors.Is; everything except ErrPersist aborts the
// current request.
var (
	// ErrManifestNotFound means no candidate manifest path held an object.
	ErrManifestNotFound = errors.New("processing manifest not found")

	// ErrManifestParse means a manifest object was found but is not valid JSON.
	ErrManifestParse = errors.New("processing manifest is not valid JSON")

	// ErrNoObjects means a listing under the spots prefix came back empty.
	ErrNoObjects = errors.New("no objects found under prefix")

	// ErrInputFileNotFound means the mixed or unmixed spot table is missing.
	ErrInputFileNotFound = errors.New("input spot table not found")

	// ErrDownloadFailed means fetching an input table to local scratch failed.
	ErrDownloadFailed = errors.New("input download failed")

	// ErrDeserialize means an input or cached table could not be decoded.
	ErrDeserialize = errors.New("table deserialization failed")

	// ErrPersist means writing the merged cache artifact failed. Non-fatal:
	// the in-memory merge result is still valid and returned.
	ErrPersist = errors.New("cache persist failed")

	// ErrColumnMismatch means a required column is absent after merge.
	ErrColumnMismatch = errors.New("required column missing")
)
