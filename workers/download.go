package workers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"telegram-media-downloader/models"
	"telegram-media-downloader/pipeline"
	"telegram-media-downloader/utils"
)

// BotFetcher transfers one message's media through the Bot API. The message
// is forwarded into the staging chat to learn its file id, then downloaded.
type BotFetcher struct {
	client     BotClient
	config     *utils.Config
	logger     *utils.Logger
	files      *utils.FileManager
	httpClient *http.Client
	fileURL    func(tgbotapi.File) string
	maxSize    int64
}

func NewBotFetcher(bot *tgbotapi.BotAPI, config *utils.Config, logger *utils.Logger) *BotFetcher {
	return newBotFetcher(bot, func(file tgbotapi.File) string { return file.Link(bot.Token) }, config, logger)
}

func newBotFetcher(client BotClient, fileURL func(tgbotapi.File) string, config *utils.Config, logger *utils.Logger) *BotFetcher {
	return &BotFetcher{
		client:     client,
		config:     config,
		logger:     logger,
		files:      utils.NewFileManager(logger),
		httpClient: &http.Client{Timeout: 30 * time.Minute},
		fileURL:    fileURL,
		maxSize:    utils.MaxDownloadSize(config),
	}
}

func (bf *BotFetcher) FetchUnit(ctx context.Context, req pipeline.UnitRequest, progress chan<- models.ProgressEvent) models.FetchResult {
	log := bf.logger.WithTaskID(req.TaskID).
		WithField("source_id", req.SourceID).
		WithField("unit_id", req.UnitID).
		WithField("attempt", req.Attempt)

	forward, err := forwardConfig(bf.config.StagingChatID, req.SourceID, req.UnitID)
	if err != nil {
		return models.Failure(err.Error())
	}
	staged, err := bf.client.Send(forward)
	if err != nil {
		return classifyError(err)
	}
	defer bf.deleteStaged(log, staged.MessageID)

	media, ok := extractMedia(&staged)
	if !ok {
		return models.Skipped("no media")
	}
	if !ParseMediaFilter(req.Filter).Allows(media.kind) {
		return models.Skipped(fmt.Sprintf("filtered out: %s", media.kind))
	}
	if media.size > bf.maxSize {
		return models.Skipped(fmt.Sprintf("file is too big: %d bytes", media.size))
	}

	file, err := bf.client.GetFile(tgbotapi.FileConfig{FileID: media.fileID})
	if err != nil {
		return classifyError(err)
	}

	fileName := media.fileName
	if fileName == "" {
		fileName = filepath.Base(file.FilePath)
	}
	if fileName == "" || fileName == "." {
		fileName = media.kind
	}
	total := media.size
	if total <= 0 {
		total = int64(file.FileSize)
	}

	dst := utils.UnitPath(bf.config.DownloadDir, req.SourceID, req.UnitID, fileName)
	if total > 0 {
		if info, err := os.Stat(dst); err == nil && info.Mode().IsRegular() && info.Size() == total {
			log.WithField("path", dst).Info("Unit already on disk")
			return models.Skipped("already downloaded")
		}
	}

	body, err := bf.open(ctx, file)
	if err != nil {
		return bf.failure(ctx, err)
	}
	defer body.Close()

	reader := &progressReader{
		reader: body,
		event: models.ProgressEvent{
			SourceID: req.SourceID,
			UnitID:   req.UnitID,
			FileName: fileName,
			Total:    total,
		},
		progress: progress,
	}
	reader.send()

	written, err := bf.files.WriteFile(dst, reader)
	if err != nil {
		return bf.failure(ctx, err)
	}
	if total > 0 && written != total {
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			log.WithError(err).Warn("Failed to remove incomplete file")
		}
		return models.Failure(fmt.Sprintf("incomplete download: got %d of %d bytes", written, total))
	}

	if total <= 0 {
		reader.event.Total = written
	}
	reader.send()

	log.WithField("file_name", fileName).
		WithField("bytes", written).
		WithField("path", dst).
		Info("Unit downloaded")
	return models.Success(fileName, written)
}

// open returns the file contents, from disk for a Local Bot API Server and
// over HTTP otherwise.
func (bf *BotFetcher) open(ctx context.Context, file tgbotapi.File) (io.ReadCloser, error) {
	if bf.config.UseLocalBotAPI && filepath.IsAbs(file.FilePath) {
		f, err := os.Open(file.FilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open local bot api file: %w", err)
		}
		return f, nil
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, bf.fileURL(file), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}
	resp, err := bf.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download failed with status %s", resp.Status)
	}
	return resp.Body, nil
}

func (bf *BotFetcher) failure(ctx context.Context, err error) models.FetchResult {
	if ctx.Err() != nil {
		return models.Failure(ctx.Err().Error())
	}
	return models.Failure(err.Error())
}

func (bf *BotFetcher) deleteStaged(log *logrus.Entry, messageID int) {
	if messageID == 0 {
		return
	}
	if _, err := bf.client.Request(tgbotapi.NewDeleteMessage(bf.config.StagingChatID, messageID)); err != nil {
		log.WithField("staged_message_id", messageID).WithError(err).Debug("Failed to delete staged message")
	}
}

// forwardConfig accepts numeric chat ids and public @usernames as source ids.
func forwardConfig(stagingChatID int64, sourceID string, unitID int64) (tgbotapi.ForwardConfig, error) {
	if unitID <= 0 || unitID > int64(^uint32(0)>>1) {
		return tgbotapi.ForwardConfig{}, fmt.Errorf("message id %d out of range", unitID)
	}
	if chatID, err := strconv.ParseInt(sourceID, 10, 64); err == nil {
		return tgbotapi.NewForward(stagingChatID, chatID, int(unitID)), nil
	}
	username := sourceID
	if !strings.HasPrefix(username, "@") {
		username = "@" + username
	}
	forward := tgbotapi.NewForward(stagingChatID, 0, int(unitID))
	forward.FromChannelUsername = username
	return forward, nil
}

// classifyError maps a Bot API error onto a fetch outcome.
func classifyError(err error) models.FetchResult {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.RetryAfter > 0 {
			return models.RateLimited(apiErr.RetryAfter)
		}
		if apiErr.Code == http.StatusTooManyRequests {
			return models.RateLimited(0)
		}
	}

	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "message to forward not found"),
		strings.Contains(text, "message_id_invalid"),
		strings.Contains(text, "message not found"):
		return models.Skipped("message not found")
	case strings.Contains(text, "file is too big"):
		return models.Skipped("file is too big")
	}
	return models.Failure(err.Error())
}

// progressReader reports bytes read without ever blocking the transfer.
type progressReader struct {
	reader   io.Reader
	event    models.ProgressEvent
	progress chan<- models.ProgressEvent
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.event.Done += int64(n)
		pr.send()
	}
	return n, err
}

func (pr *progressReader) send() {
	if pr.progress == nil {
		return
	}
	select {
	case pr.progress <- pr.event:
	default:
	}
}
