package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/hbomb79/Photon/internal/composite"
	"github.com/hbomb79/Photon/internal/duplicate"
	"github.com/hbomb79/Photon/internal/ffmpeg"
	"github.com/hbomb79/Photon/internal/pipeline"
	"github.com/hbomb79/Photon/internal/transcode"
	gbytes "github.com/labstack/gommon/bytes"
	"gopkg.in/yaml.v3"
)

type (
	runFunc func(ctx context.Context, args []string) error

	command struct {
		name        string
		usage       string
		description string

		// remote commands require the OAuth credentials file.
		remote bool

		// validate is false for commands which report on the configuration
		// rather than depend on it.
		validate bool

		// define registers the commands flags, binding them over the loaded
		// configuration where one exists, and returns the function to run
		// once the flags have been parsed.
		define func(app *App, fs *flag.FlagSet) runFunc
	}
)

func commands() []command {
	return []command{
		{name: "download", usage: "--album NAME [--output DIR] [--workers N]", description: "Download every item of an album from Google Photos", remote: true, validate: true, define: defineDownload},
		{name: "process-heic", usage: "--input DIR --output DIR [--extract-videos=bool] [--keep-original=bool] [--format jpg] [--video-format mp4] [--max-attempts N]", description: "Split motion photos in to a still image and a video", validate: true, define: defineProcessHeic},
		{name: "optimize", usage: "--input DIR [--output DIR] [--quality N] [--max-size WxH] [--format jpg]", description: "Resize and re-encode images", validate: true, define: defineOptimize},
		{name: "duplicates", usage: "--path DIR [--method exact|perceptual] [--threshold N] [--delete] [--force]", description: "Find (and optionally remove) duplicate files", validate: true, define: defineDuplicates},
		{name: "auth", usage: "[--force] [--revoke]", description: "Authenticate with Google Photos, or revoke the saved token", remote: true, validate: true, define: defineAuth},
		{name: "albums", usage: "list [--limit N]", description: "List the albums in your Google Photos library", remote: true, validate: true, define: defineAlbums},
		{name: "config-info", usage: "", description: "Print the effective configuration and any problems with it", define: defineConfigInfo},
	}
}

func findCommand(name string) (command, bool) {
	for _, cmd := range commands() {
		if cmd.name == name {
			return cmd, true
		}
	}

	return command{}, false
}

func defineDownload(app *App, fs *flag.FlagSet) runFunc {
	cfg := app.config
	var album string
	fs.StringVar(&album, "album", "", "Name of the album to download (case-insensitive)")
	fs.StringVar(&cfg.Download.Path, "output", cfg.Download.Path, "Directory to download in to")
	fs.IntVar(&cfg.Download.MaxConcurrent, "workers", cfg.Download.MaxConcurrent, "Maximum concurrent downloads")
	fs.BoolVar(&cfg.Download.UseThreading, "threading", cfg.Download.UseThreading, "Download items concurrently")

	return func(ctx context.Context, args []string) error {
		if err := requireFlag("album", album); err != nil {
			return err
		}

		client, err := app.photosClient(ctx)
		if err != nil {
			return err
		}

		summary, err := app.orchestrator(cfg.Processing.Workers, pipeline.WithPhotosClient(client)).DownloadAlbum(ctx, album, cfg.Download.Path)
		if summary != nil {
			if tolErr := app.finishRun(summary); err == nil {
				err = tolErr
			}
		}

		return err
	}
}

func defineProcessHeic(app *App, fs *flag.FlagSet) runFunc {
	cfg := app.config
	var input, output string
	fs.StringVar(&input, "input", "", "Directory containing composite (motion) photos")
	fs.StringVar(&output, "output", "", "Directory to write the still images and videos to")
	fs.BoolVar(&cfg.Heic.ExtractVideos, "extract-videos", cfg.Heic.ExtractVideos, "Write the embedded video of each motion photo")
	fs.BoolVar(&cfg.Heic.KeepOriginal, "keep-original", cfg.Heic.KeepOriginal, "Keep the composite file once unwrapped")
	fs.StringVar(&cfg.Heic.OutputFormat, "format", cfg.Heic.OutputFormat, "Format of the still image (jpg, png, tiff, bmp)")
	fs.StringVar(&cfg.Heic.VideoFormat, "video-format", cfg.Heic.VideoFormat, "Re-encode extracted videos in to this container (requires ffmpeg)")
	fs.IntVar(&cfg.Heic.MaxAttempts, "max-attempts", cfg.Heic.MaxAttempts, "Attempts made per file before it is reported as failed")
	fs.IntVar(&cfg.Processing.Workers, "workers", cfg.Processing.Workers, "Number of files processed concurrently")

	return func(ctx context.Context, args []string) error {
		if err := requireFlag("input", input); err != nil {
			return err
		}
		if err := requireFlag("output", output); err != nil {
			return err
		}

		var (
			transformer composite.VideoTransformer
			tool        composite.MediaTool
		)
		runner := ffmpeg.NewRunner(ffmpeg.Config{FfmpegBinPath: cfg.Ffmpeg.FfmpegBinaryPath, FfprobeBinPath: cfg.Ffmpeg.FfprobeBinaryPath})
		if err := runner.Available(); err == nil {
			transformer, tool = runner, runner
		} else {
			log.Warnf("ffmpeg unavailable, HEIF containers and video re-encoding are disabled: %v\n", err)
		}

		unwrapper := composite.NewUnwrapper(composite.Options{
			OutputDir:    output,
			ImageFormat:  cfg.Heic.OutputFormat,
			ExtractVideo: cfg.Heic.ExtractVideos,
			VideoFormat:  cfg.Heic.VideoFormat,
			KeepOriginal: cfg.Heic.KeepOriginal,
			MaxAttempts:  cfg.Heic.MaxAttempts,
		}, transformer, tool)
		if err := unwrapper.Validate(); err != nil {
			return err
		}

		summary, err := app.orchestrator(cfg.Processing.Workers, pipeline.WithUnwrapper(unwrapper)).ProcessComposites(ctx, input)
		if summary != nil {
			if tolErr := app.finishRun(summary); err == nil {
				err = tolErr
			}
		}

		return err
	}
}

func defineOptimize(app *App, fs *flag.FlagSet) runFunc {
	cfg := app.config
	var input, output string
	fs.StringVar(&input, "input", "", "Directory containing images to optimize")
	fs.StringVar(&output, "output", "", "Directory to write outputs to (defaults to '<name>.optimized.<ext>' beside each input)")
	fs.IntVar(&cfg.Optimize.Quality, "quality", cfg.Optimize.Quality, "Encoding quality (1-100)")
	fs.StringVar(&cfg.Optimize.MaxSize, "max-size", cfg.Optimize.MaxSize, "Maximum dimensions as WxH")
	fs.StringVar(&cfg.Optimize.OutputFormat, "format", cfg.Optimize.OutputFormat, "Output image format")
	fs.BoolVar(&cfg.Optimize.PreserveMetadata, "preserve-metadata", cfg.Optimize.PreserveMetadata, "Carry EXIF metadata over to JPEG outputs")
	fs.IntVar(&cfg.Processing.Workers, "workers", cfg.Processing.Workers, "Number of files processed concurrently")

	return func(ctx context.Context, args []string) error {
		if err := requireFlag("input", input); err != nil {
			return err
		}

		width, height := cfg.Optimize.MaxDimensions()
		transcoder, err := transcode.New(transcode.Params{
			Quality:          cfg.Optimize.Quality,
			MaxWidth:         width,
			MaxHeight:        height,
			Format:           cfg.Optimize.OutputFormat,
			OutputDir:        output,
			InputRoot:        input,
			PreserveMetadata: cfg.Optimize.PreserveMetadata,
		})
		if err != nil {
			return err
		}

		summary, err := app.orchestrator(cfg.Processing.Workers, pipeline.WithTranscoder(transcoder)).Optimize(ctx, input)
		if summary != nil {
			if tolErr := app.finishRun(summary); err == nil {
				err = tolErr
			}
		}

		return err
	}
}

func defineDuplicates(app *App, fs *flag.FlagSet) runFunc {
	cfg := app.config
	var (
		path          string
		remove, force bool
	)
	fs.StringVar(&path, "path", "", "Directory to scan for duplicates")
	fs.StringVar(&cfg.Duplicates.Method, "method", cfg.Duplicates.Method, "Detection method (exact, perceptual)")
	fs.IntVar(&cfg.Duplicates.Threshold, "threshold", cfg.Duplicates.Threshold, "Maximum hamming distance for perceptual matches (0-64)")
	fs.BoolVar(&remove, "delete", false, "Remove every duplicate except the keeper of each group")
	fs.BoolVar(&force, "force", false, "Confirm removal requested by --delete")

	return func(ctx context.Context, args []string) error {
		if err := requireFlag("path", path); err != nil {
			return err
		}

		method, err := duplicate.ParseMethod(cfg.Duplicates.Method)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUsage, err)
		}

		mode := pipeline.ReportOnly
		if remove && force {
			mode = pipeline.RemoveForced
		} else if remove {
			mode = pipeline.RemoveConfirmed
		}

		report, err := app.orchestrator(cfg.Processing.Workers).FindDuplicates(ctx, path, method, mode)
		if report == nil {
			return err
		}

		app.renderDuplicates(report)
		errs := []error{err}
		if report.Scan.ExceedsTolerance(app.tolerance) {
			errs = append(errs, fmt.Errorf("%w: %d item(s) failed to hash", ErrToleranceExceeded, report.Scan.Failed))
		}
		if report.Removal != nil {
			report.Removal.Render(app.stdout)
			if report.Removal.ExceedsTolerance(app.tolerance) {
				errs = append(errs, fmt.Errorf("%w: %d item(s) failed to be removed", ErrToleranceExceeded, report.Removal.Failed))
			}
		}
		if len(report.Unconfirmed) > 0 {
			for _, unconfirmed := range report.Unconfirmed {
				fmt.Fprintf(app.stderr, "%v\n", unconfirmed)
			}
			errs = append(errs, fmt.Errorf("%w: %d group(s) left untouched", ErrUnconfirmed, len(report.Unconfirmed)))
		}

		return errors.Join(errs...)
	}
}

func (app *App) renderDuplicates(report *pipeline.DuplicateReport) {
	report.Scan.Render(app.stdout)

	for i, group := range report.Groups {
		fmt.Fprintf(app.stdout, "\nGroup %d (%d files):\n", i+1, len(group.Members))
		fmt.Fprintf(app.stdout, "  keep:      %s\n", group.Keeper.Path)
		for _, m := range group.Removable() {
			fmt.Fprintf(app.stdout, "  duplicate: %s (%s)\n", m.Path, gbytes.Format(m.Size))
		}
	}

	stats := report.Stats
	fmt.Fprintf(app.stdout, "\n%d group(s), %d file(s), %d duplicate(s), %s reclaimable\n", stats.Groups, stats.Files, stats.Duplicates, gbytes.Format(stats.ReclaimableBytes))
}

func defineAuth(app *App, fs *flag.FlagSet) runFunc {
	var force, revoke bool
	fs.BoolVar(&force, "force", false, "Re-authenticate even if a usable token is saved")
	fs.BoolVar(&revoke, "revoke", false, "Revoke and delete the saved token")

	return func(ctx context.Context, args []string) error {
		authenticator := app.authenticator()
		if revoke {
			if err := authenticator.Revoke(ctx); err != nil {
				return err
			}

			fmt.Fprintf(app.stdout, "Token revoked and removed from %s\n", app.config.Auth.TokenFile)
			return nil
		}

		if err := authenticator.Authenticate(ctx, force); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}

		fmt.Fprintf(app.stdout, "Authenticated, token saved to %s\n", app.config.Auth.TokenFile)
		return nil
	}
}

func defineAlbums(app *App, fs *flag.FlagSet) runFunc {
	var limit int
	fs.IntVar(&limit, "limit", 0, "Maximum number of albums to list (0 for all)")

	return func(ctx context.Context, args []string) error {
		if len(args) == 0 || args[0] != "list" {
			return fmt.Errorf("%w: expected 'albums list'", ErrUsage)
		}
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}

		client, err := app.photosClient(ctx)
		if err != nil {
			return err
		}

		albums, err := client.ListAlbums(ctx)
		if err != nil {
			return err
		}
		if limit > 0 && len(albums) > limit {
			albums = albums[:limit]
		}

		w := tabwriter.NewWriter(app.stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TITLE\tITEMS\tID")
		for _, album := range albums {
			fmt.Fprintf(w, "%s\t%d\t%s\n", album.Title, album.MediaItemsCount, album.ID)
		}
		return w.Flush()
	}
}

func defineConfigInfo(app *App, fs *flag.FlagSet) runFunc {
	return func(ctx context.Context, args []string) error {
		cfg := app.config
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}

		fmt.Fprintf(app.stdout, "# Effective configuration\n%s\n", out)

		width, height := cfg.Optimize.MaxDimensions()
		fmt.Fprintf(app.stdout, "Max image size:   %dx%d\n", width, height)
		fmt.Fprintf(app.stdout, "Token file:       %s\n", absOrSelf(cfg.Auth.TokenFile))
		fmt.Fprintf(app.stdout, "Authenticated:    %t\n", app.authenticator().IsAuthenticated())

		runner := ffmpeg.NewRunner(ffmpeg.Config{FfmpegBinPath: cfg.Ffmpeg.FfmpegBinaryPath, FfprobeBinPath: cfg.Ffmpeg.FfprobeBinaryPath})
		if err := runner.Available(); err != nil {
			fmt.Fprintf(app.stdout, "ffmpeg:           unavailable (%v)\n", err)
		} else {
			fmt.Fprintf(app.stdout, "ffmpeg:           available\n")
		}

		problems := cfg.Validate()
		if len(problems) == 0 {
			fmt.Fprintf(app.stdout, "\nConfiguration is valid\n")
			return nil
		}

		fmt.Fprintf(app.stdout, "\nConfiguration problems:\n")
		for _, problem := range problems {
			fmt.Fprintf(app.stdout, "  - %v\n", problem)
		}
		return fmt.Errorf("%w: %d problem(s) found", ErrInvalidConfig, len(problems))
	}
}

func absOrSelf(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}

	return path
}
