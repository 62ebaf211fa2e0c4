// Package manifest resolves the server endpoint's boot manifest — the
// kernel, initrd and cmdline advertised in /boot.tar.aes (spec §3, §4.4.1)
// — from whichever source the operator configured: a local file (optionally
// xz/gzip/zstd compressed), or a container registry reference carrying the
// two files in one of its layers. It also validates the served block
// device before the server advertises need-luks.
//
// Grounded on the teacher's internal/source package, generalized from
// UKI-section extraction (single PE file) to the plain separate
// kernel+initrd files this protocol serves.
package manifest

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/google/go-containerregistry/pkg/crane"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Asset is a fully-loaded boot file held in memory so it can back an
// io.ReaderAt and be served to any number of client requests.
type Asset struct {
	Data []byte
}

// Reader returns a fresh io.ReaderAt/io.Reader over the asset's bytes.
func (a Asset) Reader() *bytes.Reader { return bytes.NewReader(a.Data) }

// Size returns the asset's length in bytes.
func (a Asset) Size() int64 { return int64(len(a.Data)) }

// pullTimeout bounds a registry pull the same way the teacher bounds its
// UKI container extraction.
const pullTimeout = 30 * time.Minute

// Resolve loads the kernel and initrd referenced by kernelRef/initrdRef.
// Both refs may be local filesystem paths (optionally compressed with a
// .xz/.gz/.zst suffix) or, if both carry the "oci://" prefix, names of
// files within container images; when both refs name the same image it is
// pulled only once.
func Resolve(kernelRef, initrdRef string) (kernel, initrd Asset, err error) {
	ociKernel, kernelInImage, kernelIsOCI := strings.CutPrefix(kernelRef, "oci://")
	ociInitrd, initrdInImage, initrdIsOCI := strings.CutPrefix(initrdRef, "oci://")

	switch {
	case kernelIsOCI && initrdIsOCI:
		kernelImg, kernelFile, ok := strings.Cut(kernelInImage, "!")
		if !ok {
			return Asset{}, Asset{}, errors.Newf("manifest: oci kernel ref %q missing \"!path\" suffix", ociKernel)
		}
		initrdImg, initrdFile, ok := strings.Cut(initrdInImage, "!")
		if !ok {
			return Asset{}, Asset{}, errors.Newf("manifest: oci initrd ref %q missing \"!path\" suffix", ociInitrd)
		}
		if kernelImg == initrdImg {
			return resolveFromOCIImage(kernelImg, kernelFile, initrdFile)
		}
		kernel, err = resolveOCIFile(kernelImg, kernelFile)
		if err != nil {
			return Asset{}, Asset{}, err
		}
		initrd, err = resolveOCIFile(initrdImg, initrdFile)
		if err != nil {
			return Asset{}, Asset{}, err
		}
		return kernel, initrd, nil

	case kernelIsOCI || initrdIsOCI:
		return Asset{}, Asset{}, errors.New("manifest: kernel_path and initrd_path must either both or neither use oci://")

	default:
		kernel, err = resolveLocalFile(kernelRef)
		if err != nil {
			return Asset{}, Asset{}, err
		}
		initrd, err = resolveLocalFile(initrdRef)
		if err != nil {
			return Asset{}, Asset{}, err
		}
		return kernel, initrd, nil
	}
}

// resolveLocalFile reads path fully into memory, transparently
// decompressing xz/gzip/zstd content (mirrors source.OpenDecompressed).
func resolveLocalFile(path string) (Asset, error) {
	f, err := os.Open(path)
	if err != nil {
		return Asset{}, errors.Wrapf(err, "manifest: open %s", path)
	}
	defer f.Close()

	reader, err := decompressingReader(path, f)
	if err != nil {
		return Asset{}, err
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return Asset{}, errors.Wrapf(err, "manifest: read %s", path)
	}
	return Asset{Data: data}, nil
}

// decompressingReader wraps r according to path's compression suffix.
func decompressingReader(path string, r io.Reader) (io.Reader, error) {
	switch {
	case strings.HasSuffix(strings.ToLower(path), ".xz"):
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "manifest: xz reader")
		}
		return xr, nil
	case strings.HasSuffix(strings.ToLower(path), ".gz"):
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "manifest: gzip reader")
		}
		return gr, nil
	case strings.HasSuffix(strings.ToLower(path), ".zst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "manifest: zstd reader")
		}
		return zr, nil
	default:
		return r, nil
	}
}

// resolveFromOCIImage pulls ref once and extracts both kernelFile and
// initrdFile from whichever layer carries them, avoiding a second pull
// when both assets live in the same image.
func resolveFromOCIImage(ref, kernelFile, initrdFile string) (kernel, initrd Asset, err error) {
	img, err := pull(ref)
	if err != nil {
		return Asset{}, Asset{}, err
	}

	layers, err := img.Layers()
	if err != nil {
		return Asset{}, Asset{}, errors.Wrapf(err, "manifest: layers of %s", ref)
	}

	want := map[string][]byte{kernelFile: nil, initrdFile: nil}
	for _, layer := range layers {
		if err := collectFromLayer(layer, want); err != nil {
			return Asset{}, Asset{}, err
		}
		if want[kernelFile] != nil && want[initrdFile] != nil {
			break
		}
	}

	if want[kernelFile] == nil {
		return Asset{}, Asset{}, errors.Newf("manifest: %s not found in %s", kernelFile, ref)
	}
	if want[initrdFile] == nil {
		return Asset{}, Asset{}, errors.Newf("manifest: %s not found in %s", initrdFile, ref)
	}
	return Asset{Data: want[kernelFile]}, Asset{Data: want[initrdFile]}, nil
}

func resolveOCIFile(ref, file string) (Asset, error) {
	img, err := pull(ref)
	if err != nil {
		return Asset{}, err
	}
	layers, err := img.Layers()
	if err != nil {
		return Asset{}, errors.Wrapf(err, "manifest: layers of %s", ref)
	}

	want := map[string][]byte{file: nil}
	for _, layer := range layers {
		if err := collectFromLayer(layer, want); err != nil {
			return Asset{}, err
		}
		if want[file] != nil {
			break
		}
	}
	if want[file] == nil {
		return Asset{}, errors.Newf("manifest: %s not found in %s", file, ref)
	}
	return Asset{Data: want[file]}, nil
}

// pull fetches ref from its registry, cloning the default transport the
// way the teacher's setupTransportWithProxy does to preserve connection
// pooling and keep-alive behavior.
func pull(ref string) (v1.Image, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pullTimeout)
	defer cancel()

	transport := http.DefaultTransport.(*http.Transport).Clone()
	img, err := crane.Pull(ref, crane.WithTransport(transport), crane.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrapf(err, "manifest: pull %s", ref)
	}
	return img, nil
}

// collectFromLayer scans one layer's tar stream for entries whose base
// name is a key of want, filling in its bytes on a match.
func collectFromLayer(layer v1.Layer, want map[string][]byte) error {
	r, err := layer.Uncompressed()
	if err != nil {
		return errors.Wrap(err, "manifest: uncompress layer")
	}
	defer r.Close()

	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "manifest: read layer tar")
		}

		name := filepath.Base(header.Name)
		if strings.HasPrefix(name, ".wh.") {
			continue
		}
		if _, wanted := want[name]; !wanted || want[name] != nil {
			continue
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return errors.Wrapf(err, "manifest: extract %s", header.Name)
		}
		want[name] = data
	}
}

// DeviceInfo summarizes a validated served block device (spec §3 "the
// served disk").
type DeviceInfo struct {
	Path        string
	SizeBytes   int64
	HasGPT      bool
	HasESPEntry bool
}

// ValidateDevice opens path as a disk image and returns its size for the
// manifest summary log line, along with whether it carries a GPT and an
// EFI system partition entry. A device without a readable partition table
// is accepted; only a failure to open path is an error (mirrors
// source.RAWSource/efi.go's diskfs usage).
func ValidateDevice(path string) (DeviceInfo, error) {
	disk, err := diskfs.Open(path, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return DeviceInfo{}, errors.Wrapf(err, "manifest: open device %s", path)
	}
	defer disk.Close()

	info := DeviceInfo{Path: path, SizeBytes: disk.Size}

	table, err := disk.GetPartitionTable()
	if err != nil {
		// Not every served device needs partitions (e.g. a raw LUKS
		// container occupies the whole block device).
		return info, nil //nolint:nilerr
	}

	gptTable, ok := table.(*gpt.Table)
	if !ok {
		return info, nil
	}
	info.HasGPT = true

	for _, part := range gptTable.Partitions {
		if part != nil && part.Type == gpt.EFISystemPartition {
			info.HasESPEntry = true
			break
		}
	}
	return info, nil
}
