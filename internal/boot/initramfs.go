package boot

import (
	"bytes"
	"fmt"
	"os"
	"strings"
)

// InitFile is one entry placed into the generated initramfs.
type InitFile struct {
	Path     string
	Mode     os.FileMode
	Data     []byte
	DevMajor int
	DevMinor int
}

const (
	newcMagic          = "070701"
	newcHeaderLen      = 110
	newcTrailerName    = "TRAILER!!!"
	newcRegularFileBit = 0o100000
	newcCharDeviceBit  = 0o020000
)

// BuildInitramfs packs files into a newc-format cpio archive suitable for
// use as an initramfs. Entries with a device number become character device
// nodes.
func BuildInitramfs(files []InitFile) ([]byte, error) {
	buf := &bytes.Buffer{}
	ino := uint32(1)

	for idx, file := range files {
		name := strings.TrimPrefix(file.Path, "/")
		if name == "" {
			return nil, fmt.Errorf("initramfs file %d has empty name", idx)
		}
		mode := uint32(file.Mode.Perm()) | newcRegularFileBit
		if file.DevMajor != 0 || file.DevMinor != 0 {
			mode = uint32(file.Mode.Perm()) | newcCharDeviceBit
		}
		if err := writeNewcEntry(buf, newcEntry{
			ino:       ino,
			mode:      mode,
			nlink:     1,
			filesize:  uint32(len(file.Data)),
			rdevmajor: uint32(file.DevMajor),
			rdevminor: uint32(file.DevMinor),
			name:      name,
			data:      file.Data,
		}); err != nil {
			return nil, fmt.Errorf("writing initramfs entry %q: %w", file.Path, err)
		}
		ino++
	}

	if err := writeNewcEntry(buf, newcEntry{
		mode:  newcRegularFileBit,
		nlink: 1,
		name:  newcTrailerName,
	}); err != nil {
		return nil, fmt.Errorf("writing cpio trailer: %w", err)
	}

	return buf.Bytes(), nil
}

type newcEntry struct {
	ino       uint32
	mode      uint32
	uid       uint32
	gid       uint32
	nlink     uint32
	mtime     uint32
	filesize  uint32
	devmajor  uint32
	devminor  uint32
	rdevmajor uint32
	rdevminor uint32
	name      string
	data      []byte
}

func writeNewcEntry(buf *bytes.Buffer, entry newcEntry) error {
	nameSize := len(entry.name) + 1
	header := fmt.Sprintf("%s%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x",
		newcMagic,
		entry.ino,
		entry.mode,
		entry.uid,
		entry.gid,
		entry.nlink,
		entry.mtime,
		entry.filesize,
		entry.devmajor,
		entry.devminor,
		entry.rdevmajor,
		entry.rdevminor,
		nameSize,
		0,
	)
	if len(header) != newcHeaderLen {
		return fmt.Errorf("unexpected header length %d", len(header))
	}
	buf.WriteString(header)
	buf.WriteString(entry.name)
	buf.WriteByte(0)

	if pad := alignTo4(newcHeaderLen + nameSize); pad > 0 {
		buf.Write(make([]byte, pad))
	}
	buf.Write(entry.data)
	if pad := alignTo4(len(entry.data)); pad > 0 {
		buf.Write(make([]byte, pad))
	}
	return nil
}

func alignTo4(length int) int {
	if length%4 == 0 {
		return 0
	}
	return 4 - length%4
}
