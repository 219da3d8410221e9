package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"instaroom/internal/app"
	"instaroom/internal/domain"
	"instaroom/internal/infra/config"
	applog "instaroom/internal/infra/log"
	"instaroom/internal/usecase/pipeline"
)

var (
	outDir     string
	uploadDir  string
	bio        string
	byIdentity bool
)

var rootCmd = &cobra.Command{
	Use:   "roomctl",
	Short: "roomctl - операторские команды конвейера комнат",
}

var runCmd = &cobra.Command{
	Use:   "run [identity]",
	Short: "Синхронно построить комнату и записать отладочный дамп",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPipeline,
}

var jobCmd = &cobra.Command{
	Use:   "job <job_id>",
	Short: "Показать статус задачи",
	Args:  cobra.ExactArgs(1),
	RunE:  showJob,
}

var roomCmd = &cobra.Command{
	Use:   "room <room_id|identity>",
	Short: "Показать комнату",
	Args:  cobra.ExactArgs(1),
	RunE:  showRoom,
}

func init() {
	runCmd.Flags().StringVarP(&outDir, "out", "o", "./debug_output", "Каталог для отладочного дампа")
	runCmd.Flags().StringVar(&uploadDir, "files", "", "Каталог с изображениями вместо сбора по identity")
	runCmd.Flags().StringVar(&bio, "bio", "", "Описание для загруженных изображений")
	roomCmd.Flags().BoolVar(&byIdentity, "identity", false, "Искать комнату по identity")
	rootCmd.AddCommand(runCmd, jobCmd, roomCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newApp(ctx context.Context, cfg config.AppConfig) (*app.App, zerolog.Logger, error) {
	logger := applog.NewLoggerTo(os.Stderr, cfg.AppEnv)
	a, err := app.New(ctx, cfg, logger)
	return a, logger, err
}

func runPipeline(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	cfg.Pipeline.DebugOutputDir = outDir
	a, logger, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var res pipeline.SubmitResult
	switch {
	case uploadDir != "":
		files, err := readUploadDir(uploadDir)
		if err != nil {
			return err
		}
		res, err = a.Pipeline.SubmitUpload(ctx, files, bio)
		if err != nil {
			return err
		}
	case len(args) == 1:
		res, err = a.Pipeline.Submit(ctx, args[0])
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("укажите identity или --files")
	}

	if res.Existing {
		logger.Info().Str("job_id", res.JobID).Str("room_id", res.RoomID).Msg("roomctl: результат уже существует")
	} else if err := a.Pipeline.Run(ctx, res.JobID); err != nil {
		return err
	}

	job, err := a.Pipeline.Job(ctx, res.JobID)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), pipeline.NewJobView(job))
}

func showJob(cmd *cobra.Command, args []string) error {
	a, _, err := newApp(cmd.Context(), config.Load())
	if err != nil {
		return err
	}
	defer a.Close()
	job, err := a.Pipeline.Job(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), pipeline.NewJobView(job))
}

func showRoom(cmd *cobra.Command, args []string) error {
	a, _, err := newApp(cmd.Context(), config.Load())
	if err != nil {
		return err
	}
	defer a.Close()
	var room domain.Room
	if byIdentity {
		room, err = a.Pipeline.RoomByIdentity(cmd.Context(), args[0])
	} else {
		room, err = a.Pipeline.Room(cmd.Context(), args[0])
	}
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), pipeline.NewRoomView(room))
}

// readUploadDir читает изображения из каталога в порядке имён.
func readUploadDir(dir string) ([]domain.UploadFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("чтение каталога %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	files := make([]domain.UploadFile, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		files = append(files, domain.UploadFile{
			Name:        name,
			ContentType: mime.TypeByExtension(strings.ToLower(filepath.Ext(name))),
			Data:        data,
		})
	}
	return files, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
