package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
)

// Backend falso para validar o gateway na mão:
//
//	go run ./teste-validacao/servidor-burrao
//	DEFENSE_SERVER_UPSTREAM_URL=http://localhost:8081 go run ./cmd/gateway serve
//
// POST /login aceita admin/admin (form ou JSON). /login-header sempre responde 200
// e informa o resultado só pelo X-Auth-Result.
func main() {
	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}
	fmt.Printf("Servidor rodando em http://localhost%s\n", addr)
	if err := http.ListenAndServe(addr, newMux()); err != nil {
		fmt.Printf("Erro ao subir o servidor: %s\n", err)
	}
}

func newMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/showTela", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<h1>Tela do Sistema</h1><p>Requisição recebida com sucesso!</p>")
		fmt.Println("Log: Alguém acessou o endpoint /showTela")
	})

	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		user, pass := credentials(r)
		fmt.Printf("Log: tentativa de login de %q\n", user)
		if user != "admin" || pass != "admin" {
			http.Error(w, "usuário ou senha inválidos", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Location", "/showTela")
		w.WriteHeader(http.StatusFound)
	})

	mux.HandleFunc("POST /login-header", func(w http.ResponseWriter, r *http.Request) {
		user, pass := credentials(r)
		if user == "admin" && pass == "admin" {
			w.Header().Set("X-Auth-Result", "success")
		} else {
			w.Header().Set("X-Auth-Result", "failure")
		}
		fmt.Fprintln(w, "ok")
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	return mux
}

func credentials(r *http.Request) (user, pass string) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		return body.Username, body.Password
	}
	_ = r.ParseForm()
	return r.PostForm.Get("username"), r.PostForm.Get("password")
}
