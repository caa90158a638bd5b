package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/ppphp/portago-resolver/config"
	"github.com/ppphp/portago-resolver/pkg/cache"
	"github.com/ppphp/portago-resolver/pkg/emerge"
	"github.com/ppphp/portago-resolver/pkg/emerge/playground"
)

func init() {
	signalHandler := func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		switch sig {
		case syscall.SIGINT:
			os.Exit(128 + 2)
		case syscall.SIGTERM:
			os.Exit(128 + 9)
		}
	}
	go signalHandler()
}

// boolOptions are passed to the resolver as "--name" = "true" when given.
var boolOptions = []struct {
	name, short, usage string
}{
	{"update", "u", "update packages to the best version available"},
	{"newuse", "N", "reinstall packages whose USE flags changed"},
	{"changed-use", "U", "reinstall packages whose enabled USE flags changed"},
	{"emptytree", "e", "reinstall the whole dependency tree"},
	{"noreplace", "n", "skip packages that are already installed"},
	{"nodeps", "O", "merge without dependencies"},
	{"oneshot", "1", "do not add the arguments to the world set"},
	{"fetchonly", "f", "only fetch, blockers are not fatal"},
	{"buildpkgonly", "B", "only build binary packages, blockers are not fatal"},
	{"usepkg", "k", "use binary packages when available"},
	{"usepkgonly", "K", "only use binary packages"},
	{"rebuilt-binaries", "", "replace installed packages with rebuilt binary packages"},
	{"autounmask-continue", "", "apply the needed configuration changes and continue"},
	{"verbose", "v", "show slots, repositories and USE flags"},
	{"quiet", "q", "shorter merge list"},
}

// valueOptions are passed through with their value.
var valueOptions = []struct {
	name, short, usage string
}{
	{"deep", "D", "consider the whole dependency tree, optionally to a depth"},
	{"autounmask", "", "allow keyword, mask and license changes (y or n)"},
	{"with-bdeps", "", "pull in build time dependencies of installed packages (y or n)"},
	{"selective", "", "skip packages that are already installed (y or n)"},
	{"color", "", "colorize the merge list (y or n)"},
}

type flags struct {
	playground   string
	config       string
	blockerCache string
	backtrack    int
	jobs         int
	debug        bool
	exclude      []string
}

func parse(args []string) (*flags, map[string]string, []string, error) {
	fs := pflag.NewFlagSet("emerge", pflag.ContinueOnError)
	f := &flags{}
	fs.StringVar(&f.playground, "playground", "", "YAML playground holding the package databases")
	fs.StringVar(&f.config, "config", "", "TOML configuration file")
	fs.StringVar(&f.blockerCache, "blocker-cache", "", "directory of the persistent blocker cache")
	fs.IntVar(&f.backtrack, "backtrack", -1, "number of restarts allowed while backtracking")
	fs.IntVarP(&f.jobs, "jobs", "j", 0, "metadata prefetch workers")
	fs.BoolVar(&f.debug, "debug", false, "debug logging")
	fs.StringArrayVar(&f.exclude, "exclude", nil, "never select packages matching the atom")
	fs.BoolP("pretend", "p", true, "display what would be merged")
	for _, o := range boolOptions {
		fs.BoolP(o.name, o.short, false, o.usage)
	}
	for _, o := range valueOptions {
		fs.StringP(o.name, o.short, "", o.usage)
	}
	fs.Lookup("deep").NoOptDefVal = "true"
	fs.Lookup("autounmask").NoOptDefVal = "y"
	fs.Lookup("color").NoOptDefVal = "y"

	if err := fs.Parse(args); err != nil {
		return nil, nil, nil, err
	}
	if f.playground == "" {
		return nil, nil, nil, errors.New("--playground is required")
	}

	opts := map[string]string{}
	fs.Visit(func(fl *pflag.Flag) {
		switch fl.Name {
		case "playground", "config", "blocker-cache", "jobs", "debug", "exclude", "pretend":
		default:
			if fl.Value.Type() == "bool" && fl.Value.String() == "false" {
				return
			}
			opts["--"+fl.Name] = fl.Value.String()
		}
	})
	if len(f.exclude) > 0 {
		opts["--exclude"] = strings.Join(f.exclude, " ")
	}
	if f.backtrack < 0 {
		delete(opts, "--backtrack")
	}
	return f, opts, fs.Args(), nil
}

func run(ctx context.Context, stdout io.Writer, args []string) (int, error) {
	f, opts, atoms, err := parse(args)
	if err != nil {
		return 2, err
	}
	if f.debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log := logrus.WithField("command", "emerge")

	conf, err := config.Load(f.config)
	if err != nil {
		return 2, err
	}
	pg, err := playground.LoadFile(f.playground)
	if err != nil {
		return 2, err
	}
	defer pg.Close()
	pg.Log = log
	pg.PrefetchWorkers = conf.Resolver.PrefetchWorkers
	if f.jobs > 0 {
		pg.PrefetchWorkers = f.jobs
	}
	dir := conf.Resolver.BlockerCache
	if f.blockerCache != "" {
		dir = f.blockerCache
	}
	if dir != "" {
		bc, err := cache.Open(cache.Config{Path: dir, Logger: log})
		if err != nil {
			return 1, err
		}
		if err := pg.UseBlockerCache(bc); err != nil {
			return 1, err
		}
	}

	res, err := pg.Run(ctx, atoms, conf.Resolver.Merge(opts))
	if err != nil {
		return 1, err
	}
	d := res.Resolution.Depgraph
	if res.Success {
		fmt.Fprintln(stdout, "\nThese are the packages that would be merged, in order:")
		fmt.Fprintln(stdout)
		d.DisplayMergeList(stdout)
		return 0, nil
	}
	d.DisplayProblems(stdout)
	var rerr *emerge.ResolutionError
	if errors.As(res.Resolution.Err(), &rerr) && rerr.ConfigChangesWouldHelp {
		fmt.Fprintln(stdout, "\nUse --autounmask-continue to apply the changes above.")
	}
	return 1, nil
}

func main() {
	code, err := run(context.Background(), os.Stdout, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "!!!", err)
	}
	os.Exit(code)
}
