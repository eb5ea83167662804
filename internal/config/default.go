package config

// DefaultYAML is written by `readaloud config` when no file exists.
const DefaultYAML = `# log to readaloud.log in the data directory
debug: false
# user recorded on conversions made from the CLI (or set READALOUD_USER)
user: ""
# where records, blobs and the audio cache live (default: user data dir)
# data_dir: "~/.local/share/readaloud"

# default narration options: alloy, echo, fable, onyx, nova, shimmer
voice: "nova"
# 128k, 256k or 320k
quality: "128k"
# 0.5 to 2.0
speed: 1.0

synth:
  # openai or mock (mock needs no API key and produces placeholder audio)
  provider: "openai"
  # base_url: "https://api.openai.com/v1"
  timeout: "90s"
  # pause between chunk requests
  chunk_delay: "500ms"
  max_chunk_size: 4000
  # total attempts per chunk
  attempts: 3

extract:
  # shorter text layers fall back to OCR
  min_text_length: 50
  max_ocr_pages: 50
  language: "eng"
  ocr_timeout: "60s"
  ocr_attempts: 3
  tesseract: "tesseract"
  dpi: 200

cache:
  enabled: true
  # dir: "~/.cache/readaloud"
  memory_mb: 64
  disk_mb: 512
  # zstd level, 0 disables compression
  compression: 3
  ttl: "720h"

storage:
  # database: "~/.local/share/readaloud/readaloud.db"
  # blob_dir: "~/.local/share/readaloud/blobs"
  retry_attempts: 3
  audio_url_ttl: "24h"

server:
  addr: "127.0.0.1:8080"
  # base_url: "https://readaloud.example.com"
  request_timeout: "30s"
  queue_size: 100
  max_upload_mb: 200
  # bearer token to user
  # tokens:
  #   change-me: "alice"

player:
  # 44100 or 48000
  sample_rate: 44100
  ffmpeg: "ffmpeg"
`
