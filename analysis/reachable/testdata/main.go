package main

func c() {}

func b() {
	c()
	d()
}

func d() {
	d()
	r()
}

func r() {
	b()
}

func a() {
	b()
}

func main() {
	a()
}
