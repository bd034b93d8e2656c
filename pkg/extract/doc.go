// Package extract drives the external media tools (yt-dlp, ffmpeg)
// behind typed operations: probe, download, transcode, subtitle fetch
// and cover art embedding.
//
// # Architecture
//
//	   Probe ──► breaker ──► yt-dlp --dump-json ──► MediaInfo
//
//	   Download ──► yt-dlp -f SELECTOR ──► artefact in DownloadDir
//	                   │ stdout lines
//	                   ▼
//	              ParseDownloadLine ──► Tick ──► onTick
//
//	   Transcode ──► ffmpeg -progress pipe:1 ──► re-encoded artefact
//	                   │ key=value stream
//	                   ▼
//	              ParseTranscodeLine ──► Tick ──► onTick
//
// # Format Policy
//
// The embedded formats table maps each user-facing format name to a
// stream selector, a container extension and an audio/video class.
// Selector precedence for a task is: explicit format id, then the
// quality-bounded selector, then the format's default. Quality bounds
// apply to video targets only.
//
// # Encoder Selection
//
// With GPU encoding enabled the encoder family comes from
// configuration; "auto" probes the host, preferring an NVIDIA driver,
// then a VAAPI render node, falling back to software. Audio targets
// never take the transcode path; yt-dlp's own post-processing produces
// the final container.
//
// # Failure Shape
//
// Probe calls run through a circuit breaker so a broken upstream fails
// fast instead of burning worker slots. Tool failures are reduced to
// stable, user-safe messages; the raw stderr tail never leaves the
// package.
package extract
