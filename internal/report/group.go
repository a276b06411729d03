package report

import (
	"crypto/sha256"
	"encoding/binary"
	"strings"

	"github.com/agent462/fleetrun/internal/dispatch"
)

// OutputGroup is a set of addresses whose commands produced identical
// stdout, stderr and exit code.
type OutputGroup struct {
	Addresses []string
	Stdout    string
	Stderr    string
	ExitCode  int
	IsNorm    bool   // the largest group
	Diff      string // stdout diff against the norm; empty for the norm itself
}

// FailedNode is an address the dispatcher could not run on.
type FailedNode struct {
	Address string
	Kind    dispatch.FailureKind
	Message string
}

// Grouped holds results split into output groups and failures.
type Grouped struct {
	Groups []OutputGroup
	Failed []FailedNode
}

// Group splits results by identical outcome. The largest group is the norm
// and comes first; ties go to the group whose first address sorts lowest.
// Other groups follow in that same order, each with a diff against the norm.
func Group(results dispatch.Results) *Grouped {
	gr := &Grouped{}

	type groupData struct {
		addrs []string
		o     dispatch.Outcome
	}
	groups := make(map[[sha256.Size]byte]*groupData)
	var order [][sha256.Size]byte

	for _, addr := range results.Addresses() {
		o := results[addr]
		if o.Failed() {
			gr.Failed = append(gr.Failed, FailedNode{
				Address: addr,
				Kind:    o.Failure.Kind,
				Message: o.Message(),
			})
			continue
		}

		h := outcomeHash(o)
		g, ok := groups[h]
		if !ok {
			g = &groupData{o: o}
			groups[h] = g
			order = append(order, h)
		}
		g.addrs = append(g.addrs, addr)
	}

	if len(order) == 0 {
		return gr
	}

	norm := order[0]
	for _, h := range order[1:] {
		if len(groups[h].addrs) > len(groups[norm].addrs) {
			norm = h
		}
	}

	normGroup := groups[norm]
	gr.Groups = append(gr.Groups, OutputGroup{
		Addresses: normGroup.addrs,
		Stdout:    normGroup.o.Stdout,
		Stderr:    normGroup.o.Stderr,
		ExitCode:  normGroup.o.ExitCode,
		IsNorm:    true,
	})

	for _, h := range order {
		if h == norm {
			continue
		}
		g := groups[h]
		gr.Groups = append(gr.Groups, OutputGroup{
			Addresses: g.addrs,
			Stdout:    g.o.Stdout,
			Stderr:    g.o.Stderr,
			ExitCode:  g.o.ExitCode,
			Diff:      unifiedDiff(normGroup.o.Stdout, g.o.Stdout),
		})
	}

	return gr
}

func outcomeHash(o dispatch.Outcome) [sha256.Size]byte {
	var buf []byte
	buf = append(buf, o.Stdout...)
	buf = append(buf, 0)
	buf = append(buf, o.Stderr...)
	buf = append(buf, 0)
	buf = binary.BigEndian.AppendUint32(buf, uint32(o.ExitCode))
	return sha256.Sum256(buf)
}

// maxDiffLines bounds the LCS table. Larger inputs are shown as a full
// removal followed by a full addition.
const maxDiffLines = 500

func unifiedDiff(a, b string) string {
	aLines := splitLines(a)
	bLines := splitLines(b)

	var out strings.Builder
	out.WriteString("--- norm\n")
	out.WriteString("+++ outlier\n")
	writeLine := func(prefix, line string) {
		out.WriteString(prefix)
		out.WriteString(line)
		out.WriteString("\n")
	}

	if len(aLines) > maxDiffLines || len(bLines) > maxDiffLines {
		for _, line := range aLines {
			writeLine("-", line)
		}
		for _, line := range bLines {
			writeLine("+", line)
		}
		return out.String()
	}

	lcs := computeLCS(aLines, bLines)
	ai, bi := 0, 0
	for _, common := range lcs {
		for ai < len(aLines) && aLines[ai] != common {
			writeLine("-", aLines[ai])
			ai++
		}
		for bi < len(bLines) && bLines[bi] != common {
			writeLine("+", bLines[bi])
			bi++
		}
		writeLine(" ", common)
		ai++
		bi++
	}
	for ; ai < len(aLines); ai++ {
		writeLine("-", aLines[ai])
	}
	for ; bi < len(bLines); bi++ {
		writeLine("+", bLines[bi])
	}

	return out.String()
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

func computeLCS(a, b []string) []string {
	m, n := len(a), len(b)
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}
	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			switch {
			case a[i-1] == b[j-1]:
				dp[i][j] = dp[i-1][j-1] + 1
			case dp[i-1][j] >= dp[i][j-1]:
				dp[i][j] = dp[i-1][j]
			default:
				dp[i][j] = dp[i][j-1]
			}
		}
	}

	lcs := make([]string, dp[m][n])
	i, j, k := m, n, dp[m][n]-1
	for i > 0 && j > 0 {
		switch {
		case a[i-1] == b[j-1]:
			lcs[k] = a[i-1]
			k--
			i--
			j--
		case dp[i-1][j] >= dp[i][j-1]:
			i--
		default:
			j--
		}
	}
	return lcs
}
