// Package output scrapes progress and analysis data out of the engine's
// stderr log. The marker strings below are the whole contract with the
// engine; a change in the engine's wording only needs to be handled here.
package output

import (
	"bufio"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/hashicorp/go-hclog"

	"slicer3d/internal/model"
)

const (
	MarkerProgress  = "Progress"
	MarkerPrintTime = "Print time: "
	MarkerFilament  = "Filament: "
)

// ToolKey is the analysis slot the engine's single filament figure goes to.
const ToolKey = "tool0"

const maxLineSize = 1024 * 1024

type Parser struct {
	diameter   float64
	onProgress func(float64)
	engineLog  hclog.Logger
	logger     hclog.Logger
	analysis   model.Analysis
	lines      int
}

type Option func(*Parser)

// WithFilamentDiameter enables the filament length calculation.
func WithFilamentDiameter(mm float64) Option {
	return func(p *Parser) {
		p.diameter = mm
	}
}

// WithProgress sets the callback invoked with each parsed percentage.
func WithProgress(fn func(percent float64)) Option {
	return func(p *Parser) {
		p.onProgress = fn
	}
}

// WithEngineLog sets the logger every raw line is mirrored to.
func WithEngineLog(l hclog.Logger) Option {
	return func(p *Parser) {
		p.engineLog = l
	}
}

// WithLogger sets the logger parse failures are reported to.
func WithLogger(l hclog.Logger) Option {
	return func(p *Parser) {
		p.logger = l
	}
}

func New(opts ...Option) *Parser {
	p := &Parser{
		engineLog: hclog.NewNullLogger(),
		logger:    hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Scan feeds every line of r to Line until EOF.
func (p *Parser) Scan(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		p.Line(sc.Text())
	}
	return sc.Err()
}

// Line processes one line of engine output. Malformed values are logged and
// skipped.
func (p *Parser) Line(line string) {
	p.lines++
	p.engineLog.Debug(line)

	if strings.Contains(line, MarkerProgress) {
		p.progress(line)
	}
	if i := strings.Index(line, MarkerPrintTime); i >= 0 {
		p.printTime(strings.TrimRight(line[i+len(MarkerPrintTime):], "\r"))
	}
	if i := strings.Index(line, MarkerFilament); i >= 0 {
		p.filament(line[i+len(MarkerFilament):])
	}
}

func (p *Parser) progress(line string) {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ':' || unicode.IsSpace(r)
	})
	if len(fields) == 0 {
		return
	}
	raw := strings.TrimSuffix(fields[len(fields)-1], "%")
	percent, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.logger.Warn("could not parse progress", "line", line, "error", err)
		return
	}
	if p.onProgress != nil {
		p.onProgress(percent)
	}
}

func (p *Parser) printTime(rest string) {
	p.analysis.EstimatedPrintTime = rest
	if secs, err := strconv.ParseFloat(strings.TrimSpace(rest), 64); err == nil {
		p.analysis.EstimatedPrintTimeSeconds = secs
	}
}

func (p *Parser) filament(rest string) {
	if p.diameter <= 0 {
		p.logger.Debug("filament diameter unknown, skipping filament usage")
		return
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		p.logger.Warn("filament marker without a value")
		return
	}
	mm3, err := strconv.ParseFloat(fields[len(fields)-1], 64)
	if err != nil {
		p.logger.Warn("could not parse filament volume", "value", rest, "error", err)
		return
	}
	if p.analysis.Filament == nil {
		p.analysis.Filament = make(map[string]model.FilamentUsage)
	}
	p.analysis.Filament[ToolKey] = model.FilamentUsage{
		Volume: mm3 / 1000,
		Length: FilamentLength(mm3, p.diameter),
	}
}

// FilamentLength is the length in mm of a cylindrical filament of the given
// diameter holding volumeMM3.
func FilamentLength(volumeMM3, diameter float64) float64 {
	r := diameter / 2
	return volumeMM3 / (math.Pi * r * r)
}

// Analysis returns what has been gathered so far.
func (p *Parser) Analysis() model.Analysis {
	a := p.analysis
	if a.Filament != nil {
		a.Filament = make(map[string]model.FilamentUsage, len(p.analysis.Filament))
		for k, v := range p.analysis.Filament {
			a.Filament[k] = v
		}
	}
	return a
}

// Lines returns the number of lines processed.
func (p *Parser) Lines() int {
	return p.lines
}
