package process

import (
	"flag"
	"os"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"

	"github.com/grafana/tdump/pkg/tdump/mvs"
	"github.com/grafana/tdump/pkg/tdump/template"
)

type Config struct {
	// TemplateFiles are layout files merged, in order, over the builtin
	// layouts. Fields they name replace the builtin definition.
	TemplateFiles flagext.StringSliceCSV `yaml:"template_files"`
	OSRelease     int                    `yaml:"os_release"`
	Bits          int                    `yaml:"bits"`
	Concurrency   int                    `yaml:"concurrency"`

	MaxThreads             int `yaml:"max_threads"`
	MaxLinkageStackEntries int `yaml:"max_linkage_stack_entries"`
	MaxRBChain             int `yaml:"max_rb_chain"`
	MaxFrames              int `yaml:"max_frames"`
	MaxModules             int `yaml:"max_modules"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("tdump.", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.Var(&cfg.TemplateFiles, prefix+"template-files", "Comma separated list of control block layout files overriding the builtin layouts.")
	f.IntVar(&cfg.OSRelease, prefix+"os-release", 0, "Release of the dumped system as 0xVVRR, used to decide whether extended save blocks hold register high halves. 0 means unknown.")
	f.IntVar(&cfg.Bits, prefix+"bits", 0, "Force the addressing mode of every address space (31 or 64). 0 derives it from the dump.")
	f.IntVar(&cfg.Concurrency, prefix+"concurrency", 4, "Number of address spaces analysed in parallel.")
	f.IntVar(&cfg.MaxThreads, prefix+"max-threads", mvs.DefaultLimits.MaxThreads, "Maximum number of TCBs followed per address space.")
	f.IntVar(&cfg.MaxLinkageStackEntries, prefix+"max-linkage-stack-entries", mvs.DefaultLimits.MaxLinkageStackEntries, "Linkage stacks with at least this many entries are treated as corrupt.")
	f.IntVar(&cfg.MaxRBChain, prefix+"max-rb-chain", mvs.DefaultLimits.MaxRBChain, "Maximum number of request blocks followed per thread.")
	f.IntVar(&cfg.MaxFrames, prefix+"max-frames", mvs.DefaultLimits.MaxFrames, "Maximum number of stack frames per thread.")
	f.IntVar(&cfg.MaxModules, prefix+"max-modules", mvs.DefaultLimits.MaxModules, "Maximum number of contents directory entries per address space.")
}

func (cfg *Config) Validate() error {
	switch cfg.Bits {
	case 0, 31, 64:
	default:
		return errors.Errorf("bits must be 0, 31 or 64, got %d", cfg.Bits)
	}
	if cfg.Concurrency <= 0 {
		return errors.New("concurrency must be positive")
	}
	if cfg.OSRelease < 0 {
		return errors.New("os release must not be negative")
	}
	return nil
}

func (cfg *Config) limits() mvs.Limits {
	return mvs.Limits{
		MaxThreads:             cfg.MaxThreads,
		MaxLinkageStackEntries: cfg.MaxLinkageStackEntries,
		MaxRBChain:             cfg.MaxRBChain,
		MaxFrames:              cfg.MaxFrames,
		MaxModules:             cfg.MaxModules,
	}
}

// templates returns the builtin layouts with the configured files merged in.
func (cfg *Config) templates() (*template.Set, error) {
	set := template.Default()
	for _, name := range cfg.TemplateFiles {
		f, err := os.Open(name)
		if err != nil {
			return nil, errors.Wrap(err, "open layout file")
		}
		overlay, err := template.Load(f)
		f.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "load layout file %s", name)
		}
		if set, err = set.Merge(overlay); err != nil {
			return nil, errors.Wrapf(err, "merge layout file %s", name)
		}
	}
	return set, nil
}
