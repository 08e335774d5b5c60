// Package planner decides how a job's audio is cut into chunks. It performs no I/O.
package planner

import (
	"math"
	"time"
)

// step maps an upper bound on estimated duration to a chunk duration.
type step struct {
	maxSeconds   float64
	chunkSeconds int
}

var steps = []step{
	{60, 30},
	{300, 60},
	{900, 90},
	{1800, 120},
}

const longChunkSeconds = 180

// PlanChunkDuration returns the chunk duration in seconds for an estimated audio duration.
// The result widens monotonically as the input grows.
func PlanChunkDuration(estimatedSeconds float64) int {
	for _, s := range steps {
		if estimatedSeconds <= s.maxSeconds {
			return s.chunkSeconds
		}
	}
	return longChunkSeconds
}

// EstimateDuration guesses audio seconds from an upload's byte size.
func EstimateDuration(sizeBytes, bytesPerSecond int64) float64 {
	if sizeBytes <= 0 || bytesPerSecond <= 0 {
		return 0
	}
	return float64(sizeBytes) / float64(bytesPerSecond)
}

// EstimateChunkCount returns how many chunks of chunkSeconds cover estimatedSeconds. Never less than 1.
func EstimateChunkCount(estimatedSeconds float64, chunkSeconds int) int {
	if chunkSeconds <= 0 || estimatedSeconds <= 0 {
		return 1
	}
	n := int(math.Ceil(estimatedSeconds / float64(chunkSeconds)))
	if n < 1 {
		return 1
	}
	return n
}

// Plan is the chunking decision for one job.
type Plan struct {
	EstimatedSeconds float64
	ChunkSeconds     int
	ChunkCount       int // estimate; the segmenter's output is authoritative
}

// CapChunks widens chunkSeconds until the estimated chunk count fits within maxChunks.
func CapChunks(estimatedSeconds float64, chunkSeconds, maxChunks int) Plan {
	count := EstimateChunkCount(estimatedSeconds, chunkSeconds)
	if maxChunks > 0 && count > maxChunks {
		chunkSeconds = int(math.Ceil(estimatedSeconds / float64(maxChunks)))
		count = EstimateChunkCount(estimatedSeconds, chunkSeconds)
	}
	return Plan{EstimatedSeconds: estimatedSeconds, ChunkSeconds: chunkSeconds, ChunkCount: count}
}

// PlanForSize combines estimation, step policy and the chunk cap.
func PlanForSize(sizeBytes, bytesPerSecond int64, maxChunks int) Plan {
	est := EstimateDuration(sizeBytes, bytesPerSecond)
	return CapChunks(est, PlanChunkDuration(est), maxChunks)
}

// EstimateProcessingTime predicts wall time for transcribing audio of the given
// duration and size. Larger files get up to 50% extra.
func EstimateProcessingTime(audioSeconds float64, sizeBytes int64, secondsPerAudioMinute float64) time.Duration {
	if audioSeconds <= 0 || secondsPerAudioMinute <= 0 {
		return 0
	}
	const tenMB = 10 * 1024 * 1024
	factor := math.Min(1.5, 1+float64(sizeBytes)/tenMB)
	secs := audioSeconds / 60 * secondsPerAudioMinute * factor
	return time.Duration(secs * float64(time.Second))
}
