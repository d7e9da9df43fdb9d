package workers

import (
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// BotClient is the subset of *tgbotapi.BotAPI the fetcher uses.
type BotClient interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error)
}

// Media kinds accepted by a task filter.
const (
	MediaDocument  = "document"
	MediaVideo     = "video"
	MediaAudio     = "audio"
	MediaPhoto     = "photo"
	MediaVoice     = "voice"
	MediaAnimation = "animation"
)

var mediaKinds = map[string]bool{
	MediaDocument:  true,
	MediaVideo:     true,
	MediaAudio:     true,
	MediaPhoto:     true,
	MediaVoice:     true,
	MediaAnimation: true,
}

// MediaFilter is a set of accepted media kinds. An empty filter accepts everything.
type MediaFilter map[string]bool

// ParseMediaFilter reads a comma-separated list of media kinds. Unknown kinds
// are ignored.
func ParseMediaFilter(s string) MediaFilter {
	filter := MediaFilter{}
	for _, part := range strings.Split(s, ",") {
		kind := strings.ToLower(strings.TrimSpace(part))
		if mediaKinds[kind] {
			filter[kind] = true
		}
	}
	return filter
}

func (f MediaFilter) Allows(kind string) bool {
	return len(f) == 0 || f[kind]
}

type mediaFile struct {
	kind     string
	fileID   string
	fileName string
	size     int64
}

// extractMedia picks the downloadable attachment of a message. For photos the
// largest size is used.
func extractMedia(msg *tgbotapi.Message) (mediaFile, bool) {
	switch {
	case msg.Document != nil:
		return mediaFile{MediaDocument, msg.Document.FileID, msg.Document.FileName, int64(msg.Document.FileSize)}, true
	case msg.Video != nil:
		return mediaFile{MediaVideo, msg.Video.FileID, msg.Video.FileName, int64(msg.Video.FileSize)}, true
	case msg.Audio != nil:
		return mediaFile{MediaAudio, msg.Audio.FileID, msg.Audio.FileName, int64(msg.Audio.FileSize)}, true
	case msg.Animation != nil:
		return mediaFile{MediaAnimation, msg.Animation.FileID, msg.Animation.FileName, int64(msg.Animation.FileSize)}, true
	case msg.Voice != nil:
		return mediaFile{MediaVoice, msg.Voice.FileID, "", int64(msg.Voice.FileSize)}, true
	case len(msg.Photo) > 0:
		largest := msg.Photo[len(msg.Photo)-1]
		return mediaFile{MediaPhoto, largest.FileID, "", int64(largest.FileSize)}, true
	}
	return mediaFile{}, false
}
