// Package intent detects capture requests implied by the model's response
// text. Keyword matching is deliberate: it is deterministic, free, and runs
// in microseconds on every response. A model-based classifier can replace it
// behind the same function signature.
package intent

import "strings"

// Capture intents.
const (
	PhotoRequest = "photo_request"
	VideoRequest = "video_request"
)

var photoKeywords = []string{
	"toma una foto",
	"saca una foto",
	"haz una foto",
	"captura una imagen",
	"hazme una foto",
	"toma una imagen",
	"fotografía",
	"fotografia",
	"puedo ver",
	"déjame ver",
	"déjame verte",
	"muéstrame tu cara",
	"mostrarme tu cara",
	"mostrarme tu rostro",
	"enseñame tu cara",
	"enseñame tu rostro",
	"captura una foto",
	"take a photo",
	"take a picture",
	"snap a photo",
	"snap a picture",
	"capture a photo",
	"capture an image",
	"let me see you",
	"show me your face",
	"let me see your face",
}

var videoKeywords = []string{
	"graba un video",
	"graba un vídeo",
	"toma un video",
	"toma un vídeo",
	"filma",
	"captura un video",
	"captura un vídeo",
	"grabar un video",
	"grabar un vídeo",
	"muéstrame lo que",
	"mostrarme lo que",
	"qué está pasando",
	"que esta pasando",
	"muéstrame qué",
	"grábame",
	"grabame",
	"registra un video",
	"registra un vídeo",
	"record a video",
	"take a video",
	"capture a video",
	"film this",
	"show me what",
	"what's happening",
	"what is happening",
	"let me see what",
}

// Classify returns the capture intent implied by responseText, or "" when no
// capture is needed. Video is checked first; when a response mentions both,
// video is the more specific request.
func Classify(responseText string) string {
	lower := strings.ToLower(responseText)
	for _, kw := range videoKeywords {
		if strings.Contains(lower, kw) {
			return VideoRequest
		}
	}
	for _, kw := range photoKeywords {
		if strings.Contains(lower, kw) {
			return PhotoRequest
		}
	}
	return ""
}
