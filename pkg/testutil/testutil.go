// Package testutil provides small assertion helpers shared by this
// repository's test suites, trimmed from bb-storage's pkg/testutil to
// the parts that don't depend on mockgen-generated code (this module
// uses hand-written fakes instead of go.uber.org/mock; see DESIGN.md).
package testutil

import (
	"testing"

	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// RequireEqualProto asserts that two protocol buffer messages are
// equal, falling back to a string comparison so that mismatches are
// readable in test output.
func RequireEqualProto(t *testing.T, want, got proto.Message) {
	t.Helper()
	if !proto.Equal(want, got) {
		wantStr := mustMarshalToString(t, want)
		gotStr := mustMarshalToString(t, got)
		if wantStr != gotStr {
			t.Fatalf("Not equal: want: %#v, got: %#v", wantStr, gotStr)
		}
	}
}

// RequireEqualStatus asserts that two errors carry the same gRPC
// status (code and message).
func RequireEqualStatus(t *testing.T, want, got error) {
	t.Helper()
	RequireEqualProto(t, status.Convert(want).Proto(), status.Convert(got).Proto())
}

func mustMarshalToString(t *testing.T, m proto.Message) string {
	t.Helper()
	s, err := protojson.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	return string(s)
}
