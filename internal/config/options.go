package config

import (
	"fmt"
	"os"
	"strconv"
)

// Contrast adjustment modes understood by the external image collaborator.
// The engine never interprets these beyond carrying them in the snapshot.
const (
	AdjustMinMax     = 1
	AdjustSaturation = 2
	AdjustManual     = 3
	AdjustAuto       = 4
)

// ROISizes are the cell edge lengths (square) the renderer supports.
var ROISizes = []int{32, 64, 128, 256}

// Options holds the global processing options for a curation run. A copy is
// embedded in the scheduler snapshot so a restored run reproduces the
// original settings. Options values are passed into components at
// construction; nothing reads them through package state.
type Options struct {
	AdjustType    int     `yaml:"adjust_type"`
	BufferPercent float64 `yaml:"buffer_percent"`
	BCChannel1    string  `yaml:"bc_channel_1"`
	BCChannel2    string  `yaml:"bc_channel_2"`
	BCChannel3    string  `yaml:"bc_channel_3"`
	C1Sat         float64 `yaml:"c1_sat"`
	C2Sat         float64 `yaml:"c2_sat"`
	C3Sat         float64 `yaml:"c3_sat"`

	// ROISize is the edge length of one review cell; Scale the display
	// multiplier used by the renderer.
	ROISize int `yaml:"roi_size"`
	Scale   int `yaml:"scale"`

	// Review grid geometry. Columns*MaxRows bounds one batch.
	Columns int `yaml:"columns"`
	MaxRows int `yaml:"max_rows"`

	// SrcColumn is the 1-based column of the stripped output overwritten
	// with the source filename.
	SrcColumn int `yaml:"src_column"`

	// TabDelimited selects the output delimiter for rewritten rows: tab
	// when true, comma otherwise. Input files may mix both freely.
	TabDelimited bool `yaml:"tab_delimited"`

	// ROIPerSession is the target entry count folded into one session.
	// Zero or negative puts every bundle into a single session.
	ROIPerSession int `yaml:"roi_per_session"`
}

// Default returns the option values used when neither flags nor environment
// override them.
func Default() Options {
	return Options{
		AdjustType:    AdjustSaturation,
		BufferPercent: 0.25,
		BCChannel1:    "0,600",
		BCChannel2:    "5000,30000",
		BCChannel3:    "5000,30000",
		C1Sat:         0.2,
		C2Sat:         0.2,
		C3Sat:         0.3,
		ROISize:       64,
		Scale:         2,
		Columns:       8,
		MaxRows:       10,
		SrcColumn:     1,
		TabDelimited:  false,
		ROIPerSession: 500,
	}
}

// FromEnv overlays ROICULL_* environment variables on top of opts. Unset
// variables leave the existing value untouched; malformed values are an
// error rather than a silent fallback.
func FromEnv(opts Options) (Options, error) {
	var err error

	if opts.ROISize, err = intEnv("ROICULL_ROI_SIZE", opts.ROISize); err != nil {
		return opts, err
	}
	if opts.Scale, err = intEnv("ROICULL_SCALE", opts.Scale); err != nil {
		return opts, err
	}
	if opts.Columns, err = intEnv("ROICULL_COLUMNS", opts.Columns); err != nil {
		return opts, err
	}
	if opts.MaxRows, err = intEnv("ROICULL_MAX_ROWS", opts.MaxRows); err != nil {
		return opts, err
	}
	if opts.SrcColumn, err = intEnv("ROICULL_SRC_COLUMN", opts.SrcColumn); err != nil {
		return opts, err
	}
	if opts.ROIPerSession, err = intEnv("ROICULL_ROI_PER_SESSION", opts.ROIPerSession); err != nil {
		return opts, err
	}
	if v := os.Getenv("ROICULL_TAB_DELIMITED"); v != "" {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			return opts, fmt.Errorf("invalid ROICULL_TAB_DELIMITED %q: %w", v, perr)
		}
		opts.TabDelimited = b
	}

	return opts, nil
}

// Validate rejects option combinations the engine cannot honor.
func (o Options) Validate() error {
	valid := false
	for _, size := range ROISizes {
		if o.ROISize == size {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid roi size %d (supported: %v)", o.ROISize, ROISizes)
	}

	if o.Columns < 1 {
		return fmt.Errorf("columns must be positive, got %d", o.Columns)
	}
	if o.MaxRows < 1 {
		return fmt.Errorf("max rows must be positive, got %d", o.MaxRows)
	}
	if o.SrcColumn < 1 {
		return fmt.Errorf("src column is 1-based, got %d", o.SrcColumn)
	}
	if o.AdjustType < AdjustMinMax || o.AdjustType > AdjustAuto {
		return fmt.Errorf("unknown adjust type %d", o.AdjustType)
	}

	return nil
}

// Delimiter returns the configured output field separator.
func (o Options) Delimiter() string {
	if o.TabDelimited {
		return "\t"
	}
	return ","
}

func intEnv(key string, current int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return current, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return current, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}
