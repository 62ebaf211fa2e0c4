// Package archive builds and reads the boot payload archive exchanged
// between server and client (spec §3, §6). The wire format is POSIX ustar
// via the standard library's archive/tar — DESIGN.md records why no
// third-party archive library from the corpus was a better fit than the
// standard tar writer/reader for a handful of small named members.
package archive

import (
	"archive/tar"
	"bytes"
	"io"

	"github.com/cockroachdb/errors"
)

// Well-known member names (spec §3).
const (
	MemberChallenge      = "challenge"
	MemberKernel         = "kernel"
	MemberInitrd         = "initrd"
	MemberCmdline        = "cmdline"
	MemberStiefelModules = "stiefelmodules"
)

// Member is one named entry of the boot payload archive.
type Member struct {
	Name string
	Data []byte
}

// Build serializes members into a single ustar archive blob, in the order
// given.
func Build(members []Member) ([]byte, error) {
	var buf bytes.Buffer
	w := tar.NewWriter(&buf)

	for _, m := range members {
		hdr := &tar.Header{
			Name: m.Name,
			Mode: 0o600,
			Size: int64(len(m.Data)),
		}
		if err := w.WriteHeader(hdr); err != nil {
			return nil, errors.Wrapf(err, "archive: write header for %q", m.Name)
		}
		if _, err := w.Write(m.Data); err != nil {
			return nil, errors.Wrapf(err, "archive: write data for %q", m.Name)
		}
	}

	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "archive: close writer")
	}
	return buf.Bytes(), nil
}

// Read parses a ustar archive blob into its named members, in encounter
// order.
func Read(blob []byte) ([]Member, error) {
	r := tar.NewReader(bytes.NewReader(blob))

	var members []Member
	for {
		hdr, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "archive: read header")
		}

		data, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.Wrapf(err, "archive: read data for %q", hdr.Name)
		}
		members = append(members, Member{Name: hdr.Name, Data: data})
	}
	return members, nil
}

// Lookup returns the named member's data, or false if absent.
func Lookup(members []Member, name string) ([]byte, bool) {
	for _, m := range members {
		if m.Name == name {
			return m.Data, true
		}
	}
	return nil, false
}
