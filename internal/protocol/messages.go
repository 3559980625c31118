package protocol

import "time"

// RenderRequest asks for a batch render of an audio file.
type RenderRequest struct {
	RequestID  string `json:"request_id,omitempty"`
	AudioPath  string `json:"audio_path"`
	AvatarID   string `json:"avatar_id,omitempty"`
	OutputPath string `json:"output_path,omitempty"`
}

// RenderResult is the reply to a RenderRequest.
type RenderResult struct {
	RequestID     string    `json:"request_id,omitempty"`
	VideoPath     string    `json:"video_path,omitempty"`
	FrameCount    int       `json:"frame_count"`
	Duration      float64   `json:"duration"`
	AudioDuration float64   `json:"audio_duration"`
	AudioMerged   bool      `json:"audio_merged"`
	MergeError    string    `json:"merge_error,omitempty"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// StreamStart opens a streaming session. SessionID is optional; clients that
// set it can subscribe to the frame subject before sending the request.
type StreamStart struct {
	SessionID string `json:"session_id,omitempty"`
	AudioPath string `json:"audio_path"`
	AvatarID  string `json:"avatar_id,omitempty"`
}

// StreamStarted is the reply to a StreamStart.
type StreamStarted struct {
	SessionID   string `json:"session_id,omitempty"`
	TotalFrames int    `json:"total_frames"`
	FrameRate   int    `json:"frame_rate"`
	Error       string `json:"error,omitempty"`
}

// StreamCancel stops a running session.
type StreamCancel struct {
	SessionID string `json:"session_id"`
}

// FrameEvent carries one JPEG-encoded frame of a streaming session.
type FrameEvent struct {
	SessionID   string  `json:"session_id"`
	FrameIndex  int     `json:"frame_index"`
	TotalFrames int     `json:"total_frames"`
	TimeSec     float64 `json:"time_sec"`
	Fallback    bool    `json:"fallback,omitempty"`
	JPEG        []byte  `json:"jpeg"`
}

// StreamStatus is published when a session completes or fails.
type StreamStatus struct {
	SessionID   string    `json:"session_id"`
	TotalFrames int       `json:"total_frames,omitempty"`
	Completed   bool      `json:"completed"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	SubjectRenderRequest     = "lipsync.render.request"
	SubjectStreamStart       = "lipsync.stream.start"
	SubjectStreamCancel      = "lipsync.stream.cancel"
	SubjectStreamFramePrefix = "lipsync.stream.frame"
	SubjectStreamDone        = "lipsync.stream.done"
	SubjectStreamError       = "lipsync.stream.error"
)

// FrameSubject returns the subject frames of sessionID are published on.
func FrameSubject(sessionID string) string {
	return SubjectStreamFramePrefix + "." + sessionID
}
