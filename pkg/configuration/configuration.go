// Package configuration defines the on-disk (Jsonnet) configuration
// schema consumed by cmd/cas_tool, grounded on the single-purpose,
// one-struct-per-binary configuration style of bb-storage's
// pkg/proto/configuration/bb_copy (here expressed as a plain Go struct
// instead of a generated Protobuf message; see DESIGN.md).
package configuration

// Operation names one of the operations cmd/cas_tool performs in a
// single invocation, matching one entry of spec.md §6.3's operation
// surface.
type Operation string

const (
	OperationPreflight              Operation = "preflight"
	OperationContains               Operation = "contains"
	OperationContainsSubdirArtifact Operation = "contains_subdir_artifact"
	OperationCommit                 Operation = "commit"
	OperationExtract                Operation = "extract"
	OperationDiff                   Operation = "diff"
	OperationPush                   Operation = "push"
	OperationPushDirectory          Operation = "push_directory"
	OperationPull                   Operation = "pull"
	OperationPullTree               Operation = "pull_tree"
	OperationLinkRef                Operation = "link_ref"
	OperationSetRef                 Operation = "set_ref"
	OperationResolveRef             Operation = "resolve_ref"
	OperationUpdateMtime            Operation = "update_mtime"
	OperationCalculateCacheSize     Operation = "calculate_cache_size"
	OperationListRefs               Operation = "list_refs"
	OperationListObjects            Operation = "list_objects"
	OperationCleanUpRefsUntil       Operation = "clean_up_refs_until"
	OperationRemove                 Operation = "remove"
	OperationPrune                  Operation = "prune"
	OperationAddObject              Operation = "add_object"
)

// ApplicationConfiguration is the root configuration object evaluated
// from the Jsonnet file passed on the command line.
type ApplicationConfiguration struct {
	// CasRoot is the directory the CAS cache is rooted at.
	CasRoot string `json:"casRoot"`
	// Operation selects which of the operations below to run.
	Operation Operation `json:"operation"`

	// Refs names one or more ref keys, used by commit and push.
	Refs []string `json:"refs,omitempty"`
	// Path is the local directory committed or extracted into,
	// depending on Operation.
	Path string `json:"path,omitempty"`
	// Subdir optionally restricts extract/diff to a subtree.
	Subdir string `json:"subdir,omitempty"`

	// RefA and RefB name the two trees compared by a diff operation.
	RefA string `json:"refA,omitempty"`
	RefB string `json:"refB,omitempty"`

	// Remote configures the server contacted by push, pull, pull_tree
	// and push_directory. It is unset for purely local operations.
	Remote *RemoteConfiguration `json:"remote,omitempty"`
	// ExcludedSubdirs names immediate child directories of the pulled
	// root to skip, per spec.md §4.9.
	ExcludedSubdirs []string `json:"excludedSubdirs,omitempty"`

	// Ref names a single ref key, used by contains_subdir_artifact,
	// extract, link_ref (the source), set_ref, resolve_ref, remove and
	// pull.
	Ref string `json:"ref,omitempty"`
	// NewRef names the destination key for link_ref.
	NewRef string `json:"newRef,omitempty"`
	// Digest is a "<hash>/<size>" REv2 digest string, used by contains,
	// push_directory, pull_tree, set_ref's target and update_mtime's
	// root.
	Digest string `json:"digest,omitempty"`
	// DataPath names a local file whose contents are ingested as a
	// single blob by add_object; a Jsonnet configuration has no way to
	// carry arbitrary binary data inline.
	DataPath string `json:"dataPath,omitempty"`
	// DeferPrune, when set, makes remove skip the immediately-following
	// prune, per spec.md §6.3's remove(ref, defer_prune?).
	DeferPrune bool `json:"deferPrune,omitempty"`
	// OlderThanSeconds bounds clean_up_refs_until: refs with an mtime
	// older than now minus this many seconds are deleted.
	OlderThanSeconds int64 `json:"olderThanSeconds,omitempty"`
}

// RemoteConfiguration describes how to reach a remote CAS server.
type RemoteConfiguration struct {
	// Address is a grpc.Dial target, e.g. "cas.example.com:443".
	Address string `json:"address"`
	// EnableZSTDCompression opts into compressed ByteStream transfer
	// when the server advertises support for it.
	EnableZSTDCompression bool `json:"enableZstdCompression,omitempty"`
	// ReadChunkSizeBytes bounds the size of each streamed ByteStream
	// write chunk. Zero selects the client's default.
	ReadChunkSizeBytes int `json:"readChunkSizeBytes,omitempty"`
}
