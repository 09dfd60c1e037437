package capture

import "github.com/loqalabs/claudette-home/internal/audio"

// energyVAD classifies frames as speech or silence from RMS level with
// hysteresis: speech starts after speechFrames loud frames in a row and only
// a level below silenceThreshold counts as silence once speech has started.
type energyVAD struct {
	speechThreshold  float64
	silenceThreshold float64
	speechFrames     int

	inSpeech    bool
	speechCount int
}

func (v *energyVAD) observe(pcm []byte) bool {
	level := audio.RMS(pcm)
	if v.inSpeech {
		if level < v.silenceThreshold {
			v.inSpeech = false
			v.speechCount = 0
		}
		return v.inSpeech
	}
	if level >= v.speechThreshold {
		v.speechCount++
		if v.speechCount >= v.speechFrames {
			v.inSpeech = true
			v.speechCount = 0
		}
	} else {
		v.speechCount = 0
	}
	return v.inSpeech
}

func (v *energyVAD) reset() {
	v.inSpeech = false
	v.speechCount = 0
}
