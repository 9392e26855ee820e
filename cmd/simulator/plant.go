package main

import (
	"math"
	"math/rand/v2"
)

// plant is a toy process: a tank heating toward a set point with a pump
// cycling on level.
type plant struct {
	tick     int
	temp     float64
	setPoint float64
	level    float64
	pumpOn   bool
	rng      *rand.Rand
}

func newPlant() *plant {
	return &plant{temp: 18, setPoint: 65, level: 40, rng: rand.New(rand.NewPCG(1, 2))}
}

// step advances the process one sample and returns the tag values. Values
// are rounded so unchanged readings repeat exactly.
func (p *plant) step() map[string]float64 {
	p.tick++

	p.temp += (p.setPoint - p.temp) * 0.05
	p.temp += p.rng.NormFloat64() * 0.2

	if p.pumpOn {
		p.level -= 3
	} else {
		p.level += 1.5
	}
	switch {
	case p.level >= 90:
		p.pumpOn = true
	case p.level <= 20:
		p.pumpOn = false
	}

	pump := 0.0
	if p.pumpOn {
		pump = 1
	}

	return map[string]float64{
		"Temperature": math.Round(p.temp*10) / 10,
		"Level":       math.Round(p.level),
		"PumpRunning": pump,
		"SetPoint":    p.setPoint,
		"Cycle":       float64(p.tick),
	}
}
