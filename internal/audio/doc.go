// Package audio plays narrations on the local audio device. MP3 data is
// decoded to 16-bit PCM with ffmpeg and streamed to the device with
// oto/v3. MockPlayer stands in for the device in tests.
package audio
