package optimization

import (
	"math"
	"sort"
	"strings"
)

// Sphere is sum(x_i^2), minimum 0 at the origin.
func Sphere(x []float64) (float64, error) {
	sum := 0.0
	for _, v := range x {
		sum += v * v
	}
	return sum, nil
}

// Rastrigin is 10n + sum(x_i^2 - 10cos(2*pi*x_i)), minimum 0 at the origin.
func Rastrigin(x []float64) (float64, error) {
	const a = 10.0
	sum := a * float64(len(x))
	for _, v := range x {
		sum += v*v - a*math.Cos(2*math.Pi*v)
	}
	return sum, nil
}

// Rosenbrock is sum(100(x_{i+1} - x_i^2)^2 + (1 - x_i)^2), minimum 0 at (1, ..., 1).
func Rosenbrock(x []float64) (float64, error) {
	sum := 0.0
	for i := 0; i < len(x)-1; i++ {
		a := x[i+1] - x[i]*x[i]
		b := 1 - x[i]
		sum += 100*a*a + b*b
	}
	return sum, nil
}

// Ackley has minimum 0 at the origin and many shallow local minima.
func Ackley(x []float64) (float64, error) {
	n := float64(len(x))
	sum1, sum2 := 0.0, 0.0
	for _, v := range x {
		sum1 += v * v
		sum2 += math.Cos(2 * math.Pi * v)
	}
	return -20*math.Exp(-0.2*math.Sqrt(sum1/n)) - math.Exp(sum2/n) + 20 + math.E, nil
}

// TwoBasin is a deceptive function with a wide shallow basin (value about
// -1) around (-2.5, ...) and a narrow deep basin (value about -2) around
// (2.5, ...).
func TwoBasin(x []float64) (float64, error) {
	shallow, deep, quad := 0.0, 0.0, 0.0
	for _, v := range x {
		shallow += (v + 2.5) * (v + 2.5)
		deep += (v - 2.5) * (v - 2.5)
		quad += v * v
	}
	return -math.Exp(-shallow/(2*1.5*1.5)) - 2*math.Exp(-deep/(2*0.5*0.5)) + 0.001*quad, nil
}

var objectives = map[string]ObjectiveFunction{
	"sphere":     Sphere,
	"rastrigin":  Rastrigin,
	"rosenbrock": Rosenbrock,
	"ackley":     Ackley,
	"twobasin":   TwoBasin,
}

// LookupObjective returns a built-in benchmark objective by name.
func LookupObjective(name string) (ObjectiveFunction, error) {
	fn, ok := objectives[strings.ToLower(name)]
	if !ok {
		return nil, NewConfigError("LookupObjective", "unknown objective %q", name)
	}
	return fn, nil
}

// ObjectiveNames lists the built-in benchmark objectives.
func ObjectiveNames() []string {
	names := make([]string, 0, len(objectives))
	for name := range objectives {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
