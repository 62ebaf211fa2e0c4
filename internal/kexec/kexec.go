//go:build linux

// Package kexec loads a kernel and initramfs via kexec_file_load and
// transitions into them via reboot(LINUX_REBOOT_CMD_KEXEC), adapted from
// the teacher's internal/boot package. Unlike the teacher, which extracts
// assets from a container/ISO/RAW image source, this package is generic
// over any io.Reader pair, since both the client endpoint (§4.4.2 step 7)
// and the autokexec trigger (§4.3) load assets from different origins
// (decrypted archive members on disk, or a pre-staged local manifest).
package kexec

import (
	"io"
	"log"
	"os"
	"strings"
	"syscall"
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"github.com/cozystack/stiefelboot/internal/stieferr"
)

// Assets is a kernel/initramfs/cmdline triple ready to be loaded.
type Assets struct {
	Kernel  io.Reader
	Initrd  io.Reader
	Cmdline string
}

// CreateMemfdFromReader creates an anonymous file in memory via memfd_create
// and copies data from reader.
func CreateMemfdFromReader(name string, reader io.Reader) (*os.File, error) {
	const mfdCloexec = 0x0001

	nameBytes := []byte(name + "\x00")
	fd, _, errno := unix.Syscall(sysMemfdCreate, uintptr(unsafe.Pointer(&nameBytes[0])), mfdCloexec, 0)
	if errno != 0 {
		return nil, errors.Newf("kexec: memfd_create failed: %v", errno)
	}

	file := os.NewFile(fd, name)
	if file == nil {
		return nil, errors.New("kexec: failed to create file from fd")
	}

	if _, err := io.Copy(file, reader); err != nil {
		file.Close()
		return nil, errors.Wrap(err, "kexec: copy to memfd")
	}
	if _, err := file.Seek(0, 0); err != nil {
		file.Close()
		return nil, errors.Wrap(err, "kexec: seek memfd")
	}
	return file, nil
}

// Load loads assets via the kexec_file_load syscall and immediately
// transfers control via reboot(LINUX_REBOOT_CMD_KEXEC). On success this
// function never returns — spec §4.4.2 step 7 defines success as "control
// never returns"; any return from Load is itself the failure.
func Load(assets Assets) error {
	log.Print("kexec: loading kernel via kexec_file_load")

	kernelFile, err := CreateMemfdFromReader("kernel", assets.Kernel)
	if err != nil {
		return errors.Wrap(err, "kexec: create kernel memfd")
	}
	defer kernelFile.Close()

	initrdFile, err := CreateMemfdFromReader("initramfs", assets.Initrd)
	if err != nil {
		return errors.Wrap(err, "kexec: create initramfs memfd")
	}
	defer initrdFile.Close()

	log.Printf("kexec: cmdline: %s", assets.Cmdline)

	cmdlineBytes := []byte(assets.Cmdline)
	if len(cmdlineBytes) > 0 {
		cmdlineBytes = append(cmdlineBytes, 0)
	}
	var cmdlinePtr uintptr
	if len(cmdlineBytes) > 0 {
		cmdlinePtr = uintptr(unsafe.Pointer(&cmdlineBytes[0]))
	}

	const kexecFileLoadUnsafe = 0x00000001

	var flags uintptr
	_, _, errno := unix.Syscall6(
		sysKexecFileLoad,
		kernelFile.Fd(),
		initrdFile.Fd(),
		uintptr(len(cmdlineBytes)),
		cmdlinePtr,
		flags,
		0,
	)

	if errno == unix.EPERM {
		log.Print("kexec: kexec_file_load failed with EPERM, retrying with KEXEC_FILE_LOAD_UNSAFE (may require lockdown=off)")
		flags = kexecFileLoadUnsafe
		_, _, errno = unix.Syscall6(
			sysKexecFileLoad,
			kernelFile.Fd(),
			initrdFile.Fd(),
			uintptr(len(cmdlineBytes)),
			cmdlinePtr,
			flags,
			0,
		)
	}

	if errno != 0 {
		return handleKexecError(errno)
	}

	log.Print("kexec: loaded successfully, transitioning")

	const (
		linuxRebootCmdKexec = 0x45584543
		linuxRebootMagic1   = 0xfee1dead
		linuxRebootMagic2   = 672274793
	)
	_, _, errno2 := unix.Syscall6(
		sysReboot,
		linuxRebootMagic1,
		linuxRebootMagic2,
		linuxRebootCmdKexec,
		0, 0, 0,
	)
	if errno2 != 0 {
		return errors.Wrapf(stieferr.ErrKexec, "reboot(LINUX_REBOOT_CMD_KEXEC) failed: %v", errno2)
	}

	// Unreachable: reboot() replaces the running kernel.
	return nil
}

func handleKexecError(errno syscall.Errno) error {
	switch errno { //nolint:exhaustive
	case unix.ENOSYS:
		return errors.Wrap(stieferr.ErrKexec, "kexec support is disabled in the kernel (CONFIG_KEXEC not enabled)")
	case unix.EPERM:
		lockdownData, _ := os.ReadFile("/sys/kernel/security/lockdown")
		lockdown := strings.TrimSpace(string(lockdownData))
		if strings.Contains(lockdown, "[confidentiality]") || strings.Contains(lockdown, "[integrity]") {
			return errors.Wrapf(stieferr.ErrKexec,
				"kexec blocked: kernel is in lockdown mode (%s); disable Secure Boot or boot with lockdown=none", lockdown)
		}
		sysctlData, _ := os.ReadFile("/proc/sys/kernel/kexec_load_disabled")
		if strings.TrimSpace(string(sysctlData)) == "1" {
			return errors.Wrap(stieferr.ErrKexec, "kexec is disabled via sysctl kernel.kexec_load_disabled")
		}
		return errors.Wrap(stieferr.ErrKexec, "kexec blocked: permission denied (signed kernel required, Secure Boot, or kexec_load_disabled)")
	case unix.EBUSY:
		return errors.Wrap(stieferr.ErrKexec, "kexec is busy (another kexec may be in progress)")
	case syscall.Errno(129): // EKEYREJECTED
		return errors.Wrap(stieferr.ErrKexec, "kernel signature verification failed")
	case syscall.Errno(95): // ENOTSUP
		return errors.Wrap(stieferr.ErrKexec, "kexec_file_load not supported (old kernel or missing CONFIG_KEXEC_FILE)")
	default:
		return errors.Wrapf(stieferr.ErrKexec, "kexec_file_load errno %d", errno)
	}
}
