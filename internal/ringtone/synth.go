package ringtone

import "math"

// Chime synthesis parameters. The chime is the classic two-tone doorbell
// pair (G5 then B5), 250 ms each, with short linear fades so the device
// does not click at segment boundaries.
const (
	SampleRate = 48000

	toneLowHz  = 784.0
	toneHighHz = 988.0

	segmentMillis = 250
	fadeMillis    = 10
	amplitude     = 0.35
)

// Chime renders the two-tone chime as mono signed 16-bit PCM at sampleRate.
func Chime(sampleRate int) []int16 {
	low := tone(sampleRate, toneLowHz)
	high := tone(sampleRate, toneHighHz)
	return append(low, high...)
}

// tone renders one faded sine segment.
func tone(sampleRate int, freq float64) []int16 {
	n := sampleRate * segmentMillis / 1000
	fade := sampleRate * fadeMillis / 1000
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		s := amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
		if i < fade {
			s *= float64(i) / float64(fade)
		}
		if n-1-i < fade {
			s *= float64(n - 1 - i) / float64(fade)
		}
		out[i] = int16(s * math.MaxInt16)
	}
	return out
}
