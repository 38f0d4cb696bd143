package api

import (
	"net/http"

	"github.com/angelstreet/virtualpytest/internal/log"
)

// transcriptSegments is the optional parallel-array block: every input
// index gets an output index, empty strings included.
type transcriptSegments struct {
	Texts          []string `json:"texts"`
	SourceLanguage string   `json:"source_language,omitempty"`
	Hour           string   `json:"hour,omitempty"`
	ChunkIndex     *int     `json:"chunk_index,omitempty"`
}

type contentBlocks struct {
	VideoSummary       string              `json:"video_summary,omitempty"`
	AudioTranscript    string              `json:"audio_transcript,omitempty"`
	FrameDescriptions  []string            `json:"frame_descriptions,omitempty"`
	FrameSubtitles     []string            `json:"frame_subtitles,omitempty"`
	TranscriptSegments *transcriptSegments `json:"transcript_segments,omitempty"`
}

type translateBatchRequest struct {
	HostName       string        `json:"host_name"`
	ContentBlocks  contentBlocks `json:"content_blocks"`
	TargetLanguage string        `json:"target_language"`
}

// translatedBlocks mirrors the request's content blocks; the response
// nests them under "translations".
type translatedBlocks struct {
	VideoSummary       string   `json:"video_summary,omitempty"`
	AudioTranscript    string   `json:"audio_transcript,omitempty"`
	FrameDescriptions  []string `json:"frame_descriptions,omitempty"`
	FrameSubtitles     []string `json:"frame_subtitles,omitempty"`
	TranscriptSegments []string `json:"transcript_segments,omitempty"`
}

type translateBatchResponse struct {
	Success      bool             `json:"success"`
	Translations translatedBlocks `json:"translations"`
}

// handleTranslateBatch translates every content block into the target
// language in one pass. Parallel arrays keep their shape: empty inputs
// come back as empty outputs at the same index.
func (s *Server) handleTranslateBatch(w http.ResponseWriter, r *http.Request) {
	if s.aiSvc == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{
			ErrorType: "stream_service_error",
			Error:     "translation service not configured",
		})
		return
	}
	var req translateBatchRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	blocks := req.ContentBlocks
	resp := translateBatchResponse{Success: true}

	singles, err := s.aiSvc.Translate(ctx, []string{blocks.VideoSummary, blocks.AudioTranscript}, "", req.TargetLanguage)
	if err != nil {
		writeError(w, err)
		return
	}
	resp.Translations.VideoSummary, resp.Translations.AudioTranscript = singles[0], singles[1]

	if resp.Translations.FrameDescriptions, err = s.aiSvc.Translate(ctx, blocks.FrameDescriptions, "", req.TargetLanguage); err != nil {
		writeError(w, err)
		return
	}
	if resp.Translations.FrameSubtitles, err = s.aiSvc.Translate(ctx, blocks.FrameSubtitles, "", req.TargetLanguage); err != nil {
		writeError(w, err)
		return
	}
	if seg := blocks.TranscriptSegments; seg != nil {
		resp.Translations.TranscriptSegments, err = s.aiSvc.Translate(ctx, seg.Texts, seg.SourceLanguage, req.TargetLanguage)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	logger := log.WithComponentFromContext(ctx, "api")
	logger.Debug().
		Str("target_language", req.TargetLanguage).
		Int("frame_subtitles", len(blocks.FrameSubtitles)).
		Msg("restart batch translated")
	writeJSON(w, http.StatusOK, resp)
}
