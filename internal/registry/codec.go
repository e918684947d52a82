package registry

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/muxtun/muxtun/internal/model"
	"github.com/muxtun/muxtun/internal/util"
)

// Record files hold one record per line, four tab-delimited fields:
// localPort, remoteHost:remotePort, ownerHost, label (may be empty).
const fieldSep = "\t"

// CorruptRecordError reports a line that does not conform to the record
// format. Malformed lines are never silently skipped.
type CorruptRecordError struct {
	File   string
	Line   int
	Reason string
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt record in %s line %d: %s", e.File, e.Line, e.Reason)
}

// MarshalRecord renders one record as a registry file line.
func MarshalRecord(rec model.TunnelRecord) string {
	return strings.Join([]string{
		strconv.Itoa(int(rec.LocalPort)),
		rec.Remote.String(),
		rec.OwnerHost,
		rec.Label,
	}, fieldSep)
}

// ParseRecord parses one registry file line. file and lineNo are used for
// error reporting only.
func ParseRecord(file string, lineNo int, line string) (model.TunnelRecord, error) {
	fields := strings.Split(line, fieldSep)
	if len(fields) != 4 {
		return model.TunnelRecord{}, &CorruptRecordError{
			File: file, Line: lineNo,
			Reason: fmt.Sprintf("expected 4 fields, got %d", len(fields)),
		}
	}
	port, err := strconv.Atoi(fields[0])
	if err != nil || util.ValidatePort(port) != nil {
		return model.TunnelRecord{}, &CorruptRecordError{
			File: file, Line: lineNo,
			Reason: fmt.Sprintf("bad local port %q", fields[0]),
		}
	}
	remote, _, err := model.ParseRemoteSocket(fields[1])
	if err != nil {
		return model.TunnelRecord{}, &CorruptRecordError{
			File: file, Line: lineNo,
			Reason: fmt.Sprintf("bad remote socket %q", fields[1]),
		}
	}
	owner := strings.TrimSpace(fields[2])
	if owner == "" {
		return model.TunnelRecord{}, &CorruptRecordError{
			File: file, Line: lineNo,
			Reason: "empty owner host",
		}
	}
	return model.TunnelRecord{
		LocalPort: uint16(port),
		Remote:    remote,
		OwnerHost: owner,
		Label:     fields[3],
	}, nil
}

// ReadRecordFile reads all records from one file, preserving line order.
func ReadRecordFile(path string) ([]model.TunnelRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []model.TunnelRecord
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, err := ParseRecord(path, lineNo, line)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteRecordFile writes records atomically via a temp file and rename.
func WriteRecordFile(path string, recs []model.TunnelRecord) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	var sb strings.Builder
	for _, rec := range recs {
		sb.WriteString(MarshalRecord(rec))
		sb.WriteByte('\n')
	}
	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
