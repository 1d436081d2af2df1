package archon

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/snksoft/crc"
)

// crcTable is the XMODEM CRC-16 used to verify timing script loads
var crcTable = crc.NewTable(crc.XMODEM)

// TimingScript is a parsed .ncf timing/configuration file.  The content is
// opaque to this driver; it is produced by the vendor GUI when tuning read
// noise and readout speed.
type TimingScript struct {
	// Path is where the script was read from
	Path string

	// Lines are the non-empty, non-comment lines, in file order
	Lines []string

	// Checksum is the CRC-16 (XMODEM) over the joined lines
	Checksum uint16
}

// LoadTimingScript reads and checksums a .ncf file.  Blank lines and
// comments ("#...") are dropped; everything else is preserved verbatim.
func LoadTimingScript(path string) (*TimingScript, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("archon: cannot open timing file: %w", err)
	}
	defer f.Close()

	ts := &TimingScript{Path: path}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		if line == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		ts.Lines = append(ts.Lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("archon: error reading timing file: %w", err)
	}
	if len(ts.Lines) == 0 {
		return nil, fmt.Errorf("archon: timing file %s is empty", path)
	}
	joined := strings.Join(ts.Lines, "\n")
	v := crcTable.InitCrc()
	v = crcTable.UpdateCrc(v, []byte(joined))
	ts.Checksum = crcTable.CRC16(v)
	return ts, nil
}
